package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Media source kinds.
const (
	SourceEmbedded = "embedded-video"
	SourceURL      = "direct-url"
	SourceLocal    = "local-device"
	SourceSwarm    = "swarm"
)

// Event types sent by server.
const (
	EventSourceChanged     = "source-changed"
	EventPlaybackStarted   = "playback-started"
	EventPlaybackPaused    = "playback-paused"
	EventPlaybackSought    = "playback-sought"
	EventPresenceSnapshot  = "presence-snapshot"
	EventParticipantList   = "participant-list"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventChatMessage       = "chat-message"
)

// Intent types received from participants.
const (
	IntentJoin         = "join-intent"
	IntentSourceChange = "source-change-intent"
	IntentPlay         = "play-intent"
	IntentPause        = "pause-intent"
	IntentSeek         = "seek-intent"
	IntentChat         = "chat-intent"
)

var (
	ErrUnknownSourceKind  = errors.New("unknown media source kind")
	ErrAmbiguousSource    = errors.New("media source carries payload for more than one kind")
	ErrEmptySourcePayload = errors.New("media source payload is empty")
)

// MediaSource is a closed variant: exactly one kind is active and only
// that kind's payload can be populated. Values are built through the
// constructors below, so an inconsistent combination cannot reach the
// room registry.
type MediaSource struct {
	kind    string
	id      string
	url     string
	locator string
}

func EmbeddedSource(id string) MediaSource {
	return MediaSource{kind: SourceEmbedded, id: id}
}

func URLSource(url string) MediaSource {
	return MediaSource{kind: SourceURL, url: url}
}

func LocalSource() MediaSource {
	return MediaSource{kind: SourceLocal}
}

func SwarmSource(locator string) MediaSource {
	return MediaSource{kind: SourceSwarm, locator: locator}
}

func (s MediaSource) Kind() string    { return s.kind }
func (s MediaSource) ID() string      { return s.id }
func (s MediaSource) URL() string     { return s.url }
func (s MediaSource) Locator() string { return s.locator }

// sourceWire is the flat field bag used on the wire
// (sourceKind plus at most one payload field).
type sourceWire struct {
	Kind    string `json:"sourceKind"`
	ID      string `json:"sourceId,omitempty"`
	URL     string `json:"sourceUrl,omitempty"`
	Locator string `json:"sourceLocator,omitempty"`
}

func (s MediaSource) wire() sourceWire {
	return sourceWire{Kind: s.kind, ID: s.id, URL: s.url, Locator: s.locator}
}

func sourceFromWire(w sourceWire) (MediaSource, error) {
	populated := 0
	for _, v := range []string{w.ID, w.URL, w.Locator} {
		if v != "" {
			populated++
		}
	}
	if populated > 1 {
		return MediaSource{}, ErrAmbiguousSource
	}
	switch w.Kind {
	case SourceEmbedded:
		if w.URL != "" || w.Locator != "" {
			return MediaSource{}, ErrAmbiguousSource
		}
		return EmbeddedSource(w.ID), nil
	case SourceURL:
		if w.URL == "" {
			return MediaSource{}, ErrEmptySourcePayload
		}
		return URLSource(w.URL), nil
	case SourceLocal:
		if populated != 0 {
			return MediaSource{}, ErrAmbiguousSource
		}
		return LocalSource(), nil
	case SourceSwarm:
		if w.Locator == "" {
			return MediaSource{}, ErrEmptySourcePayload
		}
		return SwarmSource(w.Locator), nil
	}
	return MediaSource{}, fmt.Errorf("%w: %q", ErrUnknownSourceKind, w.Kind)
}

func (s MediaSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.wire())
}

func (s *MediaSource) UnmarshalJSON(b []byte) error {
	var w sourceWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	src, err := sourceFromWire(w)
	if err != nil {
		return err
	}
	*s = src
	return nil
}

type Participant struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// Room is the authoritative synchronization scope. Participants keep
// insertion order for stable presence display. CurrentTime is the last
// checkpointed position; the live position is derived from it and
// LastUpdate (see storage).
type Room struct {
	ID           string
	Source       MediaSource
	CurrentTime  float64
	Playing      bool
	LastUpdate   time.Time
	Participants []Participant
}

// RoomSnapshot is the externally visible room state with the
// drift-compensated position already applied.
type RoomSnapshot struct {
	Source       MediaSource
	CurrentTime  float64
	IsPlaying    bool
	Participants []Participant
}

// snapshotWire flattens the source bag into the snapshot object,
// matching the presence-snapshot payload shape.
type snapshotWire struct {
	sourceWire
	CurrentTime  float64       `json:"currentTime"`
	IsPlaying    bool          `json:"isPlaying"`
	Participants []Participant `json:"participants"`
}

func (s RoomSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{
		sourceWire:   s.Source.wire(),
		CurrentTime:  s.CurrentTime,
		IsPlaying:    s.IsPlaying,
		Participants: s.Participants,
	})
}

func (s *RoomSnapshot) UnmarshalJSON(b []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	src, err := sourceFromWire(w.sourceWire)
	if err != nil {
		return err
	}
	*s = RoomSnapshot{
		Source:       src,
		CurrentTime:  w.CurrentTime,
		IsPlaying:    w.IsPlaying,
		Participants: w.Participants,
	}
	return nil
}

// Event payloads.

type PlaybackPayload struct {
	CurrentTime float64 `json:"currentTime"`
}

type ChatPayload struct {
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

// NoticePayload is carried by participant-joined and participant-left.
type NoticePayload struct {
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

// Intent payloads.

type JoinIntent struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type SourceChangeIntent struct {
	RoomID string
	Source MediaSource
}

func (i *SourceChangeIntent) UnmarshalJSON(b []byte) error {
	var w struct {
		RoomID string `json:"roomId"`
		sourceWire
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	src, err := sourceFromWire(w.sourceWire)
	if err != nil {
		return err
	}
	i.RoomID = w.RoomID
	i.Source = src
	return nil
}

func (i SourceChangeIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RoomID string `json:"roomId"`
		sourceWire
	}{RoomID: i.RoomID, sourceWire: i.Source.wire()})
}

type PlaybackIntent struct {
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

type ChatIntent struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// Announcement is an outbound event frame. SRC is the originating
// connection (used for sender exclusion), DST an optional unicast
// target; neither leaves the server.
type Announcement struct {
	DST     string `json:"-"`
	SRC     string `json:"-"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound is an intent frame as received from a participant. SRC is
// re-assigned by the server based on the websocket session.
type Inbound struct {
	SRC     string          `json:"-"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Wire struct {
	RX chan Inbound
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Inbound),
		TX: make(chan Announcement),
	}
}
