package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/averin-dv/watchparty/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// Registry is the authoritative in-memory room store. All mutations of
// a room happen under the registry mutex, so concurrent intents for
// the same room cannot lose writes.
type Registry struct {
	mx  *sync.Mutex
	db  map[string]*model.Room
	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		mx:  &sync.Mutex{},
		db:  make(map[string]*model.Room),
		now: time.Now,
	}
}

// Join registers the participant, creating the room with default state
// if it does not exist yet, and returns the live snapshot the joiner
// should be initialized from.
func (r *Registry) Join(roomID, connID, displayName string) model.RoomSnapshot {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		room = &model.Room{
			ID:         roomID,
			Source:     model.EmbeddedSource(""),
			LastUpdate: r.now(),
		}
		r.db[roomID] = room
	}
	room.Participants = append(room.Participants, model.Participant{
		ConnectionID: connID,
		DisplayName:  displayName,
	})
	return r.snapshotLocked(room)
}

// Leave removes the participant and deletes the room the moment it
// becomes empty. A missing room or participant is a no-op: the room
// can legitimately vanish between a client's intent and its
// processing.
func (r *Registry) Leave(roomID, connID string) (remaining int, displayName string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		return 0, ""
	}
	for i, p := range room.Participants {
		if p.ConnectionID == connID {
			displayName = p.DisplayName
			room.Participants = append(room.Participants[:i], room.Participants[i+1:]...)
			break
		}
	}
	remaining = len(room.Participants)
	if remaining == 0 {
		delete(r.db, roomID)
	}
	return remaining, displayName
}

// ApplySourceChange replaces the media source and resets the playback
// position atomically. Quietly ignores a missing room.
func (r *Registry) ApplySourceChange(roomID string, src model.MediaSource) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		return
	}
	room.Source = src
	room.CurrentTime = 0
	room.Playing = false
	room.LastUpdate = r.now()
}

// ApplyPlayback is a partial update: only non-nil fields change,
// LastUpdate is always refreshed. Quietly ignores a missing room.
func (r *Registry) ApplyPlayback(roomID string, currentTime *float64, playing *bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		return
	}
	if currentTime != nil {
		room.CurrentTime = *currentTime
	}
	if playing != nil {
		room.Playing = *playing
	}
	room.LastUpdate = r.now()
}

// ListParticipants returns the participants in insertion order.
func (r *Registry) ListParticipants(roomID string) []model.Participant {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Participant, len(room.Participants))
	copy(out, room.Participants)
	return out
}

func (r *Registry) Exists(roomID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.db[roomID]
	return ok
}

// Snapshot returns the live room state, or ErrRoomNotFound for reads
// of a missing room.
func (r *Registry) Snapshot(roomID string) (model.RoomSnapshot, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.db[roomID]
	if !ok {
		return model.RoomSnapshot{}, ErrRoomNotFound
	}
	return r.snapshotLocked(room), nil
}

// snapshotLocked derives the externally visible position: while
// playing, the stored checkpoint plus wall-clock time elapsed since
// the last mutation. This is the only place stored and live time
// diverge; it lets a late joiner land at the right position without
// the server running a ticking clock per room.
func (r *Registry) snapshotLocked(room *model.Room) model.RoomSnapshot {
	current := room.CurrentTime
	if room.Playing {
		current += r.now().Sub(room.LastUpdate).Seconds()
	}
	participants := make([]model.Participant, len(room.Participants))
	copy(participants, room.Participants)
	return model.RoomSnapshot{
		Source:       room.Source,
		CurrentTime:  current,
		IsPlaying:    room.Playing,
		Participants: participants,
	}
}
