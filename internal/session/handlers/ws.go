package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/stream"
)

const (
	// wsWriteWait bounds each write to the peer; wsPongWait is how long
	// we wait for a pong before declaring the peer gone. Pings go out
	// slightly more often than the pong deadline.
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamWebSocket mirrors the SSE stream over a WebSocket connection. The
// server only sends; client frames are discarded apart from control
// messages.
func (h *Handlers) streamWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")

	sub, err := h.hub.Subscribe(sessionID, lastEventID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Unsubscribe(sessionID, sub.ID)
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	go h.wsReadPump(conn, sessionID, sub.ID)
	h.wsWritePump(conn, sub)
}

// wsReadPump consumes the connection until it closes so control frames are
// processed, then tears the subscription down.
func (h *Handlers) wsReadPump(conn *websocket.Conn, sessionID, subID string) {
	defer func() {
		h.hub.Unsubscribe(sessionID, subID)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) wsWritePump(conn *websocket.Conn, sub *stream.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
