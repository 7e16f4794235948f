// Package handlers exposes the relay HTTP surface: attach/detach, session
// listing, the live event stream, and rendered markdown snapshots.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/session/service"
	"github.com/relaydev/relay/internal/stream"
	v1 "github.com/relaydev/relay/pkg/api/v1"
)

// SessionService is the slice of the session layer the HTTP surface drives.
// It is satisfied by *service.Service.
type SessionService interface {
	Attach(ctx context.Context, sessionID, path string, dest models.Destination) error
	Detach(ctx context.Context, sessionID string, dest models.Destination) error
	Sessions() []models.Session
	Markdown(sessionID string) (string, error)
	SessionCount() int
}

type Handlers struct {
	service   SessionService
	hub       *stream.Hub
	heartbeat time.Duration
	version   string
	logger    *logger.Logger
}

func NewHandlers(svc SessionService, hub *stream.Hub, heartbeat time.Duration, version string, log *logger.Logger) *Handlers {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handlers{
		service:   svc,
		hub:       hub,
		heartbeat: heartbeat,
		version:   version,
		logger:    log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc SessionService, hub *stream.Hub, heartbeat time.Duration, version string, log *logger.Logger) {
	h := NewHandlers(svc, hub, heartbeat, version, log)
	router.POST("/attach", h.attach)
	router.POST("/detach", h.detach)
	router.GET("/sessions", h.listSessions)
	router.GET("/sessions/:session_id/events", h.streamEvents)
	router.GET("/sessions/:session_id/ws", h.streamWebSocket)
	router.GET("/sessions/:session_id/markdown", h.markdown)
	router.GET("/health", h.health)
}

func (h *Handlers) attach(c *gin.Context) {
	var req v1.AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dest, err := models.DestinationFromWire(req.Destination)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.service.Attach(c.Request.Context(), req.SessionID, req.Path, dest)
	switch {
	case errors.Is(err, service.ErrAlreadyAttached):
		// Re-attaching is success; the status only signals "no change".
		c.JSON(http.StatusConflict, v1.AckResponse{OK: true})
	case errors.Is(err, service.ErrInvalidPath), errors.Is(err, service.ErrPathConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("Failed to attach destination",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach destination"})
	default:
		c.JSON(http.StatusOK, v1.AckResponse{OK: true})
	}
}

func (h *Handlers) detach(c *gin.Context) {
	var req v1.DetachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dest, err := models.DestinationFromWire(req.Destination)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.service.Detach(c.Request.Context(), req.SessionID, dest)
	switch {
	case errors.Is(err, service.ErrNotAttached):
		// Detaching something that is not attached still leaves the caller
		// in the state it asked for.
		c.JSON(http.StatusNotFound, v1.AckResponse{OK: true})
	case errors.Is(err, service.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("Failed to detach destination",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to detach destination"})
	default:
		c.JSON(http.StatusOK, v1.AckResponse{OK: true})
	}
}

func (h *Handlers) listSessions(c *gin.Context) {
	sessions := h.service.Sessions()
	out := make([]v1.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, models.SessionToWire(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) markdown(c *gin.Context) {
	md, err := h.service.Markdown(c.Param("session_id"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("Failed to render markdown", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render markdown"})
		return
	}
	c.Header("Content-Type", "text/markdown; charset=utf-8")
	c.String(http.StatusOK, md)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Sessions: h.service.SessionCount(),
	})
}
