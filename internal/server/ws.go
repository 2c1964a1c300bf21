package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"adw/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is enforced at the HTTP layer; local frontends connect from
	// arbitrary dev ports.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and services the client's inbound
// frames until it disconnects. Outbound traffic arrives through the
// broadcast hub; this loop only answers direct requests.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := s.hub.Connect(conn, c.Query("client_id"))
	defer func() {
		s.hub.Disconnect(conn)
		_ = conn.Close()
	}()

	for {
		var frame struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "client_id", clientID, "error", err)
			}
			return
		}
		s.hub.Touch(conn)

		switch frame.Type {
		case "ping":
			_ = s.hub.SendTo(conn, broadcast.Message{
				Type: "pong",
				Data: map[string]any{"client_id": clientID},
			})

		case "ticket_notification":
			// Acknowledge to the sender and fan the ticket out to everyone
			// else so open boards refresh.
			_ = s.hub.SendTo(conn, broadcast.Message{
				Type: "ticket_notification_response",
				Data: map[string]any{
					"status":      "received",
					"client_id":   clientID,
					"received_at": time.Now().UTC().Format(time.RFC3339),
				},
			})
			s.hub.Broadcast(broadcast.Message{
				Type: "ticket_notification",
				Data: frame.Data,
			}, conn)

		default:
			_ = s.hub.SendTo(conn, broadcast.Message{
				Type: "error",
				Data: map[string]any{
					"message": "unknown message type: " + frame.Type,
				},
			})
		}
	}
}
