package memory

import (
	"testing"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(at time.Time) *Registry {
	reg := NewRegistry()
	reg.now = func() time.Time { return at }
	return reg
}

func TestJoinCreatesRoomWithDefaults(t *testing.T) {
	t0 := time.Now()
	reg := newTestRegistry(t0)

	snap := reg.Join("movie-night", "c1", "alice")

	assert.Equal(t, model.SourceEmbedded, snap.Source.Kind())
	assert.Empty(t, snap.Source.ID())
	assert.Zero(t, snap.CurrentTime)
	assert.False(t, snap.IsPlaying)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "alice", snap.Participants[0].DisplayName)
	assert.True(t, reg.Exists("movie-night"))
}

func TestDriftCompensationWhilePlaying(t *testing.T) {
	t0 := time.Now()
	reg := newTestRegistry(t0)
	reg.Join("r", "c1", "alice")

	ct := 10.5
	playing := true
	reg.ApplyPlayback("r", &ct, &playing)

	reg.now = func() time.Time { return t0.Add(5 * time.Second) }
	snap, err := reg.Snapshot("r")
	require.NoError(t, err)
	assert.InDelta(t, 15.5, snap.CurrentTime, 1e-9)
	assert.True(t, snap.IsPlaying)
}

func TestNoDriftWhilePaused(t *testing.T) {
	t0 := time.Now()
	reg := newTestRegistry(t0)
	reg.Join("r", "c1", "alice")

	ct := 10.5
	playing := false
	reg.ApplyPlayback("r", &ct, &playing)

	reg.now = func() time.Time { return t0.Add(time.Hour) }
	snap, err := reg.Snapshot("r")
	require.NoError(t, err)
	assert.Equal(t, 10.5, snap.CurrentTime)
}

func TestSourceChangeResetsPlayback(t *testing.T) {
	reg := newTestRegistry(time.Now())
	reg.Join("r", "c1", "alice")

	ct := 120.0
	playing := true
	reg.ApplyPlayback("r", &ct, &playing)

	reg.ApplySourceChange("r", model.URLSource("https://example.com/cat.mp4"))

	snap, err := reg.Snapshot("r")
	require.NoError(t, err)
	assert.Equal(t, model.SourceURL, snap.Source.Kind())
	assert.Zero(t, snap.CurrentTime)
	assert.False(t, snap.IsPlaying)
}

func TestPartialPlaybackUpdateKeepsPlayingFlag(t *testing.T) {
	reg := newTestRegistry(time.Now())
	reg.Join("r", "c1", "alice")

	ct := 30.0
	playing := true
	reg.ApplyPlayback("r", &ct, &playing)

	// seek only: position changes, playing flag untouched
	seekTo := 90.0
	reg.ApplyPlayback("r", &seekTo, nil)

	snap, err := reg.Snapshot("r")
	require.NoError(t, err)
	assert.Equal(t, 90.0, snap.CurrentTime)
	assert.True(t, snap.IsPlaying)
}

func TestLeaveDeletesEmptyRoomAndRejoinStartsFresh(t *testing.T) {
	reg := newTestRegistry(time.Now())
	reg.Join("r", "c1", "alice")
	reg.ApplySourceChange("r", model.SwarmSource("magnet:?xt=urn:btih:deadbeef"))

	remaining, name := reg.Leave("r", "c1")
	assert.Zero(t, remaining)
	assert.Equal(t, "alice", name)
	assert.False(t, reg.Exists("r"))

	// same id, no leaked source or time
	snap := reg.Join("r", "c2", "bob")
	assert.Equal(t, model.SourceEmbedded, snap.Source.Kind())
	assert.Zero(t, snap.CurrentTime)
	assert.False(t, snap.IsPlaying)
}

func TestLeaveMissingRoomIsNoop(t *testing.T) {
	reg := newTestRegistry(time.Now())
	remaining, name := reg.Leave("ghost", "c1")
	assert.Zero(t, remaining)
	assert.Empty(t, name)
}

func TestMutationsOnMissingRoomAreQuiet(t *testing.T) {
	reg := newTestRegistry(time.Now())
	ct := 5.0
	reg.ApplyPlayback("ghost", &ct, nil)
	reg.ApplySourceChange("ghost", model.LocalSource())
	assert.False(t, reg.Exists("ghost"))
}

func TestListParticipantsInsertionOrder(t *testing.T) {
	reg := newTestRegistry(time.Now())
	reg.Join("r", "c1", "alice")
	reg.Join("r", "c2", "bob")
	reg.Join("r", "c3", "carol")

	reg.Leave("r", "c2")

	got := reg.ListParticipants("r")
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ConnectionID)
	assert.Equal(t, "c3", got[1].ConnectionID)
}
