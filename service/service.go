package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomRegistry interface {
		Join(roomID, connID, displayName string) model.RoomSnapshot
		Leave(roomID, connID string) (remaining int, displayName string)
		ApplySourceChange(roomID string, src model.MediaSource)
		ApplyPlayback(roomID string, currentTime *float64, playing *bool)
		ListParticipants(roomID string) []model.Participant
		Exists(roomID string) bool
		Snapshot(roomID string) (model.RoomSnapshot, error)
	}

	Switch interface {
		Connect(roomID, connID string, wire model.Wire) error
		Disconnect(roomID, connID string) error
		Broadcast(ctx context.Context, ann model.Announcement, roomID string) error
		BroadcastAll(ctx context.Context, ann model.Announcement, roomID string) error
		Unicast(ctx context.Context, ann model.Announcement, roomID, dst string) error
	}

	// Service processes participant intents: it mutates the room
	// registry first, then relays the resulting event through the
	// switch. Intents for one session are consumed sequentially from
	// the session's wire, so a participant's own actions cannot race
	// each other.
	Service struct {
		store  RoomRegistry
		sw     Switch
		chat   *chatLimiter
		logger zerolog.Logger
		now    func() time.Time
	}

	Config struct {
		RoomRegistry RoomRegistry
		Switch       Switch
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomRegistry,
		sw:     cfg.Switch,
		chat:   newChatLimiter(chatBurst, chatWindow),
		logger: cfg.Logger.With().Str("component", "sync").Logger(),
		now:    time.Now,
	}
}

// CreateRoom allocates an id for explicit pre-creation. The room state
// itself materializes on first join, so an id that nobody ever joins
// leaks nothing.
func (svc *Service) CreateRoom() string {
	id := uuid.NewString()
	svc.logger.Debug().Str("roomID", id).Msg("room id allocated")
	return id
}

// RoomState reports existence plus the live snapshot for the read
// endpoint.
func (svc *Service) RoomState(roomID string) (model.RoomSnapshot, bool) {
	snap, err := svc.store.Snapshot(roomID)
	if err != nil {
		return model.RoomSnapshot{}, false
	}
	return snap, true
}

// CreateSession joins the participant to the room, announces the
// arrival, and starts consuming the session's intents. The presence
// snapshot goes to the joiner only; the participant list and the join
// notice go to everyone.
func (svc *Service) CreateSession(ctx context.Context, roomID, connID, displayName string, wire model.Wire) error {
	snap := svc.store.Join(roomID, connID, displayName)
	if err := svc.sw.Connect(roomID, connID, wire); err != nil {
		svc.store.Leave(roomID, connID)
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Str("displayName", displayName).
		Msg("participant joined room")

	_ = svc.sw.Unicast(ctx, model.Announcement{
		Type:    model.EventPresenceSnapshot,
		Payload: snap,
	}, roomID, connID)
	_ = svc.sw.BroadcastAll(ctx, model.Announcement{
		SRC:     connID,
		Type:    model.EventParticipantList,
		Payload: svc.store.ListParticipants(roomID),
	}, roomID)
	_ = svc.sw.BroadcastAll(ctx, model.Announcement{
		SRC:     connID,
		Type:    model.EventParticipantJoined,
		Payload: model.NoticePayload{DisplayName: displayName, Timestamp: svc.now().UnixMilli()},
	}, roomID)

	go svc.processIntents(ctx, roomID, connID, displayName, wire.RX)
	return nil
}

// DestroySession removes the participant; the room is deleted the
// instant it becomes empty. The remaining participants get a fresh
// list and a leave notice.
func (svc *Service) DestroySession(ctx context.Context, roomID, connID string) error {
	if err := svc.sw.Disconnect(roomID, connID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	remaining, displayName := svc.store.Leave(roomID, connID)
	svc.chat.forget(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Int("remaining", remaining).
		Msg("participant left room")

	if remaining == 0 {
		return nil
	}
	_ = svc.sw.BroadcastAll(ctx, model.Announcement{
		Type:    model.EventParticipantList,
		Payload: svc.store.ListParticipants(roomID),
	}, roomID)
	_ = svc.sw.BroadcastAll(ctx, model.Announcement{
		Type:    model.EventParticipantLeft,
		Payload: model.NoticePayload{DisplayName: displayName, Timestamp: svc.now().UnixMilli()},
	}, roomID)
	return nil
}

func (svc *Service) processIntents(ctx context.Context, roomID, connID, displayName string, rx <-chan model.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-rx:
			svc.dispatch(ctx, roomID, connID, displayName, in)
		}
	}
}

func (svc *Service) dispatch(ctx context.Context, roomID, connID, displayName string, in model.Inbound) {
	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("connID", connID).
		Str("type", in.Type).Logger()

	switch in.Type {
	case model.IntentPlay:
		var p model.PlaybackIntent
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed play intent")
			return
		}
		playing := true
		svc.store.ApplyPlayback(roomID, &p.CurrentTime, &playing)
		_ = svc.sw.Broadcast(ctx, model.Announcement{
			SRC:     connID,
			Type:    model.EventPlaybackStarted,
			Payload: model.PlaybackPayload{CurrentTime: p.CurrentTime},
		}, roomID)

	case model.IntentPause:
		var p model.PlaybackIntent
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed pause intent")
			return
		}
		playing := false
		svc.store.ApplyPlayback(roomID, &p.CurrentTime, &playing)
		_ = svc.sw.Broadcast(ctx, model.Announcement{
			SRC:     connID,
			Type:    model.EventPlaybackPaused,
			Payload: model.PlaybackPayload{CurrentTime: p.CurrentTime},
		}, roomID)

	case model.IntentSeek:
		var p model.PlaybackIntent
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed seek intent")
			return
		}
		svc.store.ApplyPlayback(roomID, &p.CurrentTime, nil)
		_ = svc.sw.Broadcast(ctx, model.Announcement{
			SRC:     connID,
			Type:    model.EventPlaybackSought,
			Payload: model.PlaybackPayload{CurrentTime: p.CurrentTime},
		}, roomID)

	case model.IntentSourceChange:
		var p model.SourceChangeIntent
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed source change intent")
			return
		}
		svc.store.ApplySourceChange(roomID, p.Source)
		_ = svc.sw.Broadcast(ctx, model.Announcement{
			SRC:     connID,
			Type:    model.EventSourceChanged,
			Payload: p.Source,
		}, roomID)

	case model.IntentChat:
		var p model.ChatIntent
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			logger.Error().Err(err).Msg("malformed chat intent")
			return
		}
		if len([]rune(p.Text)) > maxChatRunes {
			logger.Debug().Msg("chat message over size limit, dropped")
			return
		}
		if !svc.chat.allow(connID, svc.now()) {
			logger.Debug().Msg("chat rate limit exceeded, dropped")
			return
		}
		_ = svc.sw.BroadcastAll(ctx, model.Announcement{
			SRC:  connID,
			Type: model.EventChatMessage,
			Payload: model.ChatPayload{
				DisplayName: displayName,
				Text:        p.Text,
				Timestamp:   svc.now().UnixMilli(),
			},
		}, roomID)

	default:
		logger.Warn().Msg("unknown intent type")
	}
}
