package client

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	defaultSettleWindow  = 300 * time.Millisecond
	defaultPollInterval  = 500 * time.Millisecond
	defaultSeekThreshold = 2.0
)

type engineState int

const (
	engineIdle engineState = iota
	engineApplyingRemote
)

type (
	// Engine reconciles remote playback commands with a local player.
	// It is a two-state machine: local player notifications translate
	// to outbound intents only while idle; while a remote command is
	// being applied, the player's own change notifications are
	// swallowed until the settle window elapses. Overlapping remote
	// commands simply re-arm the window.
	Engine struct {
		player Player
		sink   IntentSink
		logger zerolog.Logger

		mx      sync.Mutex
		state   engineState
		settle  *time.Timer
		lastPos float64

		settleWindow  time.Duration
		pollInterval  time.Duration
		seekThreshold float64
	}

	Config struct {
		Player Player
		Sink   IntentSink
		Logger *zerolog.Logger

		// Zero values fall back to the defaults above.
		SettleWindow  time.Duration
		PollInterval  time.Duration
		SeekThreshold float64
	}
)

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		player:        cfg.Player,
		sink:          cfg.Sink,
		logger:        cfg.Logger.With().Str("component", "reconciler").Logger(),
		settleWindow:  cfg.SettleWindow,
		pollInterval:  cfg.PollInterval,
		seekThreshold: cfg.SeekThreshold,
	}
	if e.settleWindow <= 0 {
		e.settleWindow = defaultSettleWindow
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.seekThreshold <= 0 {
		e.seekThreshold = defaultSeekThreshold
	}
	return e
}

// Run drives seek detection until ctx is canceled. The player back-end
// has no native "user scrubbed" notification, so the position is
// polled and a jump over the threshold is treated as a local seek.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stopSettle()
			return
		case <-ticker.C:
			e.checkSeek()
		}
	}
}

// ApplyRemotePlay seeks then starts the local player under
// suppression.
func (e *Engine) ApplyRemotePlay(currentTime float64) {
	e.beginRemote()
	e.player.Seek(currentTime)
	e.player.Play()
	e.logger.Debug().Float64("currentTime", currentTime).Msg("applied remote play")
}

// ApplyRemotePause seeks then pauses the local player under
// suppression.
func (e *Engine) ApplyRemotePause(currentTime float64) {
	e.beginRemote()
	e.player.Seek(currentTime)
	e.player.Pause()
	e.logger.Debug().Float64("currentTime", currentTime).Msg("applied remote pause")
}

// ApplyRemoteSeek repositions the local player under suppression.
func (e *Engine) ApplyRemoteSeek(currentTime float64) {
	e.beginRemote()
	e.player.Seek(currentTime)
	e.logger.Debug().Float64("currentTime", currentTime).Msg("applied remote seek")
}

// ApplyRemoteSource switches the local player to a new source under
// suppression.
func (e *Engine) ApplyRemoteSource(src model.MediaSource) {
	e.beginRemote()
	e.player.Load(src)
	e.logger.Debug().Str("kind", src.Kind()).Msg("applied remote source change")
}

// ApplySnapshot initializes the player from a presence snapshot on
// late join: load the source, land on the live position, and start
// playback only if the room is playing.
func (e *Engine) ApplySnapshot(snap model.RoomSnapshot) {
	e.beginRemote()
	if hasMedia(snap.Source) {
		e.player.Load(snap.Source)
		e.player.Seek(snap.CurrentTime)
		if snap.IsPlaying {
			e.player.Play()
		}
	}
	e.logger.Debug().
		Str("kind", snap.Source.Kind()).
		Float64("currentTime", snap.CurrentTime).
		Bool("isPlaying", snap.IsPlaying).
		Msg("applied presence snapshot")
}

// LocalPlay is called when the local player reports it started.
func (e *Engine) LocalPlay() {
	if !e.idle() {
		return
	}
	e.sink.SendPlay(e.player.CurrentPosition())
}

// LocalPause is called when the local player reports it stopped.
func (e *Engine) LocalPause() {
	if !e.idle() {
		return
	}
	e.sink.SendPause(e.player.CurrentPosition())
}

// checkSeek compares the player position with the last observed one.
// The last observed position is updated on every poll, suppressed or
// not, so drift does not accumulate across suppressed periods.
func (e *Engine) checkSeek() {
	pos := e.player.CurrentPosition()

	e.mx.Lock()
	jumped := math.Abs(pos-e.lastPos) > e.seekThreshold
	idle := e.state == engineIdle
	e.lastPos = pos
	e.mx.Unlock()

	if jumped && idle {
		e.logger.Debug().Float64("currentTime", pos).Msg("local seek detected")
		e.sink.SendSeek(pos)
	}
}

func (e *Engine) beginRemote() {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.state = engineApplyingRemote
	if e.settle != nil {
		e.settle.Stop()
	}
	e.settle = time.AfterFunc(e.settleWindow, e.endRemote)
}

func (e *Engine) endRemote() {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.state = engineIdle
}

func (e *Engine) stopSettle() {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.settle != nil {
		e.settle.Stop()
	}
}

func (e *Engine) idle() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.state == engineIdle
}

// hasMedia reports whether the source points at something loadable.
// A fresh room's default is an embedded source with no id.
func hasMedia(src model.MediaSource) bool {
	switch src.Kind() {
	case model.SourceEmbedded:
		return src.ID() != ""
	case model.SourceURL, model.SourceSwarm:
		return true
	}
	return false
}
