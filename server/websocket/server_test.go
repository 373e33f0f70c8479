package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/averin-dv/watchparty/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncService behaves like the real service at the join boundary:
// it unicasts the presence snapshot on the joiner's wire synchronously
// before returning, so an undrained wire makes CreateSession fail.
type fakeSyncService struct {
	created   chan string
	destroyed chan string
}

func newFakeSyncService() *fakeSyncService {
	return &fakeSyncService{
		created:   make(chan string, 1),
		destroyed: make(chan string, 1),
	}
}

func (f *fakeSyncService) CreateSession(_ context.Context, _, connID, displayName string, wire model.Wire) error {
	select {
	case wire.TX <- model.Announcement{
		Type: model.EventPresenceSnapshot,
		Payload: model.RoomSnapshot{
			Source: model.EmbeddedSource(""),
			Participants: []model.Participant{
				{ConnectionID: connID, DisplayName: displayName},
			},
		},
	}:
	case <-time.After(2 * time.Second):
		return errors.New("joiner wire is not drained")
	}
	f.created <- connID
	return nil
}

func (f *fakeSyncService) DestroySession(_ context.Context, _, connID string) error {
	f.destroyed <- connID
	return nil
}

func dialTestServer(t *testing.T, svc SyncService) (*websocket.Conn, func()) {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:      &logger,
		SyncService: svc,
		ListenAddr:  ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		_ = conn.Close()
		ts.Close()
	}
}

func sendJoin(t *testing.T, conn *websocket.Conn, roomID, displayName string) {
	t.Helper()
	payload, err := json.Marshal(model.JoinIntent{RoomID: roomID, DisplayName: displayName})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Inbound{Type: model.IntentJoin, Payload: payload}))
}

func TestJoinerReceivesPresenceSnapshotPromptly(t *testing.T) {
	svc := newFakeSyncService()
	conn, cleanup := dialTestServer(t, svc)
	defer cleanup()

	start := time.Now()
	sendJoin(t, conn, "r", "alice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame), "presence snapshot was not delivered to the joiner")
	assert.Equal(t, model.EventPresenceSnapshot, frame.Type)
	assert.Less(t, time.Since(start), time.Second, "join handshake stalled")

	var snap model.RoomSnapshot
	require.NoError(t, json.Unmarshal(frame.Payload, &snap))
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "alice", snap.Participants[0].DisplayName)

	select {
	case <-svc.created:
	case <-time.After(2 * time.Second):
		t.Fatal("session was never created")
	}
}

func TestSessionDestroyedOnDisconnect(t *testing.T) {
	svc := newFakeSyncService()
	conn, cleanup := dialTestServer(t, svc)
	defer cleanup()

	sendJoin(t, conn, "r", "alice")
	select {
	case <-svc.created:
	case <-time.After(2 * time.Second):
		t.Fatal("session was never created")
	}

	_ = conn.Close()
	select {
	case connID := <-svc.destroyed:
		assert.NotEmpty(t, connID)
	case <-time.After(2 * time.Second):
		t.Fatal("session was never destroyed")
	}
}

func TestNonJoinFirstFrameRejected(t *testing.T) {
	svc := newFakeSyncService()
	conn, cleanup := dialTestServer(t, svc)
	defer cleanup()

	payload, err := json.Marshal(model.ChatIntent{RoomID: "r", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Inbound{Type: model.IntentChat, Payload: payload}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server should close the connection")
	assert.Empty(t, svc.created)
}
