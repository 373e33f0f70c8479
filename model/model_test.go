package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRoundTrip(t *testing.T) {
	for _, src := range []MediaSource{
		EmbeddedSource("dQw4w9WgXcQ"),
		EmbeddedSource(""),
		URLSource("https://example.com/cat.mp4"),
		LocalSource(),
		SwarmSource("magnet:?xt=urn:btih:deadbeef"),
	} {
		b, err := json.Marshal(src)
		require.NoError(t, err)
		var got MediaSource
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, src, got)
	}
}

func TestSourceRejectsInconsistentBag(t *testing.T) {
	var src MediaSource

	err := json.Unmarshal([]byte(`{"sourceKind":"swarm","sourceUrl":"https://x","sourceLocator":"magnet:?a"}`), &src)
	assert.ErrorIs(t, err, ErrAmbiguousSource)

	err = json.Unmarshal([]byte(`{"sourceKind":"direct-url"}`), &src)
	assert.ErrorIs(t, err, ErrEmptySourcePayload)

	err = json.Unmarshal([]byte(`{"sourceKind":"local-device","sourceId":"x"}`), &src)
	assert.ErrorIs(t, err, ErrAmbiguousSource)

	err = json.Unmarshal([]byte(`{"sourceKind":"cassette"}`), &src)
	assert.ErrorIs(t, err, ErrUnknownSourceKind)
}

func TestSnapshotWireShape(t *testing.T) {
	snap := RoomSnapshot{
		Source:      SwarmSource("magnet:?xt=urn:btih:deadbeef"),
		CurrentTime: 15.5,
		IsPlaying:   true,
		Participants: []Participant{
			{ConnectionID: "c1", DisplayName: "alice"},
		},
	}

	b, err := json.Marshal(snap)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "swarm", flat["sourceKind"])
	assert.Equal(t, "magnet:?xt=urn:btih:deadbeef", flat["sourceLocator"])
	assert.NotContains(t, flat, "sourceUrl")
	assert.Equal(t, 15.5, flat["currentTime"])
	assert.Equal(t, true, flat["isPlaying"])

	var got RoomSnapshot
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, snap, got)
}

func TestSourceChangeIntentDecode(t *testing.T) {
	var intent SourceChangeIntent
	err := json.Unmarshal([]byte(`{"roomId":"r1","sourceKind":"direct-url","sourceUrl":"https://example.com/cat.mp4"}`), &intent)
	require.NoError(t, err)
	assert.Equal(t, "r1", intent.RoomID)
	assert.Equal(t, SourceURL, intent.Source.Kind())
	assert.Equal(t, "https://example.com/cat.mp4", intent.Source.URL())
}
