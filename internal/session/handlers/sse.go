package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// streamEvents serves the session's live event stream over SSE. Each event
// is framed as an id line carrying the monotonic event_id, an event line
// with the kind, and a data line with the JSON payload. Reconnecting
// clients resume from Last-Event-ID without re-reading the transcript.
func (h *Handlers) streamEvents(c *gin.Context) {
	sessionID := c.Param("session_id")

	sub, err := h.hub.Subscribe(sessionID, lastEventID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	defer h.hub.Unsubscribe(sessionID, sub.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Session stream closed or this subscriber was dropped for
				// falling behind.
				return
			}
			data, merr := json.Marshal(ev)
			if merr != nil {
				h.logger.Error("Failed to marshal stream event", zap.Error(merr))
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Kind, data)
			c.Writer.Flush()

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, "event: ping\ndata: {}\n\n")
			c.Writer.Flush()
		}
	}
}

// lastEventID reads the resume position from the standard SSE header, with
// a query parameter fallback for clients that cannot set headers.
func lastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
