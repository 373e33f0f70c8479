package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch routes announcements to the wires of a room's participants.
// Playback and source events use Broadcast, which excludes the
// originating connection: echoing them back would make the sender's
// reconciliation engine re-apply its own command and re-emit the
// intent, looping forever.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(roomID, connID string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("endpoint disconnected")
	}()

	room, ok := sw.fwd[roomID]
	if ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(sw.fwd, roomID)
		}
	}
	return nil
}

func (sw *Switch) Connect(roomID, connID string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("endpoint connected")
	}()

	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[connID] = wire
	sw.fwd[roomID] = room
	return nil
}

// Broadcast delivers ann to every participant of the room except
// ann.SRC.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, roomID string) error {
	ann.DST = ""
	if !sw.forward(ctx, ann, roomID, false) {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

// BroadcastAll delivers ann to every participant including the
// originator. Chat must echo to the sender so their own view keeps a
// consistent message order; participant lists and join/leave notices
// go to everyone too.
func (sw *Switch) BroadcastAll(ctx context.Context, ann model.Announcement, roomID string) error {
	ann.DST = ""
	if !sw.forward(ctx, ann, roomID, true) {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

// Unicast delivers ann to a single connection in the room.
func (sw *Switch) Unicast(ctx context.Context, ann model.Announcement, roomID, dst string) error {
	ann.DST = dst
	if !sw.forward(ctx, ann, roomID, true) {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", ann.Type).
			Str("dst", dst).
			Msg("unicast was not delivered")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement, roomID string, includeSrc bool) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("roomID", roomID).
			Str("type", ann.Type).
			Str("src", ann.SRC).Logger()
	)

	// Snapshot the targets under the lock. Connect and Disconnect
	// mutate the room map, and send blocks for up to defaultFwdTimout,
	// so the map must not be ranged after releasing the lock.
	type target struct {
		dst  string
		wire model.Wire
	}
	var targets []target
	sw.mx.RLock()
	room := sw.fwd[roomID]
	if ann.DST == "" {
		targets = make([]target, 0, len(room))
		for dst, wire := range room {
			if !includeSrc && dst == ann.SRC {
				continue
			}
			targets = append(targets, target{dst: dst, wire: wire})
		}
	} else if wire, ok := room[ann.DST]; ok {
		targets = []target{{dst: ann.DST, wire: wire}}
	}
	sw.mx.RUnlock()

	if ann.DST != "" && len(targets) == 0 {
		logger.Debug().Str("dst", ann.DST).Msg("cannot forward, dst not found")
		return false
	}

	for _, tgt := range targets {
		annSent, canceled := send(ctx, ann, tgt.wire.TX, &logger)
		if canceled {
			break
		}
		if annSent {
			sent = true
		}
	}
	return sent
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
