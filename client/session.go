package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
)

var (
	ErrDial = errors.New("unable to connect to sync server")
)

type (
	// Session is a participant's connection to the sync server: it
	// joins a room, feeds remote events into the reconciliation
	// engine, and carries the engine's intents back as its
	// IntentSink.
	Session struct {
		conn   *websocket.Conn
		engine *Engine
		roomID string
		logger zerolog.Logger

		outgoing chan model.Inbound
	}

	SessionConfig struct {
		ServerURL   string
		RoomID      string
		DisplayName string
		Player      Player
		Logger      *zerolog.Logger

		SettleWindow  time.Duration
		PollInterval  time.Duration
		SeekThreshold float64
	}
)

// Dial connects to the sync server and joins the room. The returned
// session owns the engine; run it with Run.
func Dial(cfg SessionConfig) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.Dial(cfg.ServerURL, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	s := &Session{
		conn:     conn,
		roomID:   cfg.RoomID,
		logger:   cfg.Logger.With().Str("component", "sync-session").Logger(),
		outgoing: make(chan model.Inbound, 16),
	}
	s.engine = NewEngine(Config{
		Player:        cfg.Player,
		Sink:          s,
		Logger:        cfg.Logger,
		SettleWindow:  cfg.SettleWindow,
		PollInterval:  cfg.PollInterval,
		SeekThreshold: cfg.SeekThreshold,
	})

	if err = s.sendIntent(model.IntentJoin, model.JoinIntent{
		RoomID:      cfg.RoomID,
		DisplayName: cfg.DisplayName,
	}); err != nil {
		_ = conn.Close()
		return nil, errors.Join(ErrDial, err)
	}
	return s, nil
}

// Run pumps events and intents until ctx is canceled or the
// connection drops.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.engine.Run(ctx)
	go s.writePump(ctx)
	// readPump blocks inside ReadJSON until the read deadline fires;
	// closing the connection on cancellation unblocks it right away.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	s.readPump(ctx, cancel)
}

// SendPlay implements IntentSink.
func (s *Session) SendPlay(currentTime float64) {
	s.queueIntent(model.IntentPlay, model.PlaybackIntent{RoomID: s.roomID, CurrentTime: currentTime})
}

// SendPause implements IntentSink.
func (s *Session) SendPause(currentTime float64) {
	s.queueIntent(model.IntentPause, model.PlaybackIntent{RoomID: s.roomID, CurrentTime: currentTime})
}

// SendSeek implements IntentSink.
func (s *Session) SendSeek(currentTime float64) {
	s.queueIntent(model.IntentSeek, model.PlaybackIntent{RoomID: s.roomID, CurrentTime: currentTime})
}

// SendChat queues a chat message.
func (s *Session) SendChat(text string) {
	s.queueIntent(model.IntentChat, model.ChatIntent{RoomID: s.roomID, Text: text})
}

// SendSourceChange queues a source change intent.
func (s *Session) SendSourceChange(src model.MediaSource) {
	b, err := json.Marshal(model.SourceChangeIntent{RoomID: s.roomID, Source: src})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal source change")
		return
	}
	s.queueRaw(model.IntentSourceChange, b)
}

func (s *Session) queueIntent(intentType string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", intentType).Msg("failed to marshal intent")
		return
	}
	s.queueRaw(intentType, b)
}

func (s *Session) queueRaw(intentType string, payload json.RawMessage) {
	select {
	case s.outgoing <- model.Inbound{Type: intentType, Payload: payload}:
	default:
		s.logger.Warn().Str("type", intentType).Msg("outgoing intent dropped, queue full")
	}
}

func (s *Session) sendIntent(intentType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(model.Inbound{Type: intentType, Payload: b})
}

func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.outgoing:
			if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
				s.logger.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := s.conn.WriteJSON(in); err != nil {
				s.logger.Error().Err(err).Msg("failed to write intent")
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteWait))
	})
	_ = s.conn.SetReadDeadline(time.Now().Add(defaultPongWait))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("connection closed")
			} else {
				s.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		s.handleEvent(frame.Type, frame.Payload)
	}
}

func (s *Session) handleEvent(eventType string, payload json.RawMessage) {
	logger := s.logger.With().Str("type", eventType).Logger()

	switch eventType {
	case model.EventPresenceSnapshot:
		var snap model.RoomSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			logger.Error().Err(err).Msg("malformed event payload")
			return
		}
		s.engine.ApplySnapshot(snap)

	case model.EventPlaybackStarted:
		var p model.PlaybackPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed event payload")
			return
		}
		s.engine.ApplyRemotePlay(p.CurrentTime)

	case model.EventPlaybackPaused:
		var p model.PlaybackPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed event payload")
			return
		}
		s.engine.ApplyRemotePause(p.CurrentTime)

	case model.EventPlaybackSought:
		var p model.PlaybackPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed event payload")
			return
		}
		s.engine.ApplyRemoteSeek(p.CurrentTime)

	case model.EventSourceChanged:
		var src model.MediaSource
		if err := json.Unmarshal(payload, &src); err != nil {
			logger.Error().Err(err).Msg("malformed event payload")
			return
		}
		s.engine.ApplyRemoteSource(src)

	case model.EventChatMessage, model.EventParticipantList,
		model.EventParticipantJoined, model.EventParticipantLeft:
		// presence and chat are display concerns, not playback ones
		logger.Trace().Msg("informational event")

	default:
		logger.Warn().Msg("unknown event type")
	}
}
