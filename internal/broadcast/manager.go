// Package broadcast fans typed events out to every connected WebSocket
// client. Connections are weak references: a failed send drops the client
// silently after the current iteration.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"adw/internal/observability"
)

// Message is the wire envelope. Every broadcast serializes to exactly
// {type, data}; data always carries a timestamp.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// connMeta tracks per-connection bookkeeping.
type connMeta struct {
	clientID     string
	connectedAt  time.Time
	lastActivity time.Time
	messageCount int
	writeMu      sync.Mutex
}

// Manager owns the fan-out set.
type Manager struct {
	mu          sync.RWMutex
	connections map[*websocket.Conn]*connMeta
	logger      *observability.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewComponentLogger("Broadcast")
	}
	return &Manager{
		connections: make(map[*websocket.Conn]*connMeta),
		logger:      logger,
	}
}

// Connect registers an already-upgraded connection. An empty clientID gets a
// generated one. Returns the effective client id.
func (m *Manager) Connect(conn *websocket.Conn, clientID string) string {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	m.connections[conn] = &connMeta{
		clientID:     clientID,
		connectedAt:  now,
		lastActivity: now,
	}
	count := len(m.connections)
	m.mu.Unlock()

	m.logger.Info("websocket client connected", "client_id", clientID, "active", count)
	return clientID
}

// Disconnect removes the connection and logs its session duration.
func (m *Manager) Disconnect(conn *websocket.Conn) {
	m.mu.Lock()
	meta, ok := m.connections[conn]
	delete(m.connections, conn)
	count := len(m.connections)
	m.mu.Unlock()

	if ok {
		m.logger.Info("websocket client disconnected",
			"client_id", meta.clientID,
			"duration", time.Since(meta.connectedAt).String(),
			"messages", meta.messageCount,
			"active", count)
	}
}

// ActiveConnections returns the current fan-out set size.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Touch refreshes a connection's last-activity timestamp (called on reads).
func (m *Manager) Touch(conn *websocket.Conn) {
	m.mu.RLock()
	meta, ok := m.connections[conn]
	m.mu.RUnlock()
	if ok {
		meta.writeMu.Lock()
		meta.lastActivity = time.Now().UTC()
		meta.writeMu.Unlock()
	}
}

// Broadcast sends the envelope to every connection except exclude. A missing
// data timestamp is stamped here. Failed connections are collected during
// the iteration and removed afterwards; send errors never propagate.
func (m *Manager) Broadcast(msg Message, exclude *websocket.Conn) {
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	if _, ok := msg.Data["timestamp"]; !ok {
		msg.Data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.RLock()
	targets := make(map[*websocket.Conn]*connMeta, len(m.connections))
	for conn, meta := range m.connections {
		if conn != exclude {
			targets[conn] = meta
		}
	}
	m.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, meta := range targets {
		if err := m.sendTo(conn, meta, msg); err != nil {
			m.logger.Warn("websocket send failed, dropping client",
				"client_id", meta.clientID, "error", err)
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		m.Disconnect(conn)
		_ = conn.Close()
	}
}

// SendTo delivers the envelope to a single connection.
func (m *Manager) SendTo(conn *websocket.Conn, msg Message) error {
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	if _, ok := msg.Data["timestamp"]; !ok {
		msg.Data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.RLock()
	meta, ok := m.connections[conn]
	m.mu.RUnlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	return m.sendTo(conn, meta, msg)
}

func (m *Manager) sendTo(conn *websocket.Conn, meta *connMeta, msg Message) error {
	// gorilla/websocket permits one concurrent writer per connection.
	meta.writeMu.Lock()
	defer meta.writeMu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	meta.messageCount++
	meta.lastActivity = time.Now().UTC()
	return nil
}

// SendHeartbeat broadcasts the periodic liveness envelope.
func (m *Manager) SendHeartbeat() {
	m.Broadcast(Message{
		Type: "heartbeat",
		Data: map[string]any{
			"active_connections": m.ActiveConnections(),
			"server_time":        time.Now().UTC().Format(time.RFC3339),
		},
	}, nil)
}

// RunHeartbeat emits heartbeats on the interval until stop is closed.
func (m *Manager) RunHeartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SendHeartbeat()
		case <-stop:
			return
		}
	}
}
