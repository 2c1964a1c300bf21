package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair upgrades a real client/server websocket pair and registers the
// server side with the manager.
func dialPair(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		m.Connect(conn, "")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastEnvelopeShape(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	m.Broadcast(Message{Type: "text_block", Data: map[string]any{"adw_id": "a1b2c3d4", "content": "hi"}}, nil)

	msg := readMessage(t, client)
	assert.Len(t, msg, 2, "envelope has exactly type and data")
	assert.Equal(t, "text_block", msg["type"])

	data := msg["data"].(map[string]any)
	assert.Equal(t, "a1b2c3d4", data["adw_id"])
	assert.NotEmpty(t, data["timestamp"], "data.timestamp is always present")
}

func TestBroadcastStampsMissingTimestampOnly(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	m.Broadcast(Message{Type: "heartbeat", Data: map[string]any{"timestamp": "fixed"}}, nil)

	msg := readMessage(t, client)
	data := msg["data"].(map[string]any)
	assert.Equal(t, "fixed", data["timestamp"], "existing timestamps are preserved")
}

func TestBroadcastNilData(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	m.Broadcast(Message{Type: "error"}, nil)

	msg := readMessage(t, client)
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok, "nil data becomes an object, never null")
	assert.NotEmpty(t, data["timestamp"])
}

func TestStageTransitionHelper(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	m.BroadcastStageTransition("a1b2c3d4", "dynamic_plan_build", "plan", "build", "plan done")

	msg := readMessage(t, client)
	assert.Equal(t, "stage_transition", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "plan", data["from_stage"])
	assert.Equal(t, "build", data["to_stage"])
	assert.Equal(t, "dynamic_plan_build", data["workflow_name"])
}

func TestHeartbeatShape(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	m.SendHeartbeat()

	msg := readMessage(t, client)
	assert.Equal(t, "heartbeat", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, float64(1), data["active_connections"])
	assert.NotEmpty(t, data["server_time"])
}

func TestFailedSendDropsClient(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)

	require.Eventually(t, func() bool { return m.ActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	_ = client.Close()
	// Two broadcasts: the first may be buffered by the OS before the close is
	// observed, the second must fail and prune the connection.
	m.Broadcast(Message{Type: "text_block"}, nil)
	require.Eventually(t, func() bool {
		m.Broadcast(Message{Type: "text_block"}, nil)
		return m.ActiveConnections() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestConnectGeneratesClientID(t *testing.T) {
	m := NewManager(nil)
	client := dialPair(t, m)
	defer func() { _ = client.Close() }()

	assert.Equal(t, 1, waitConnections(t, m, 1))
}

func waitConnections(t *testing.T, m *Manager, want int) int {
	t.Helper()
	require.Eventually(t, func() bool { return m.ActiveConnections() == want },
		2*time.Second, 10*time.Millisecond)
	return m.ActiveConnections()
}
