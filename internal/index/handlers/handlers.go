// Package handlers exposes the transcript search index over HTTP.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/index"
)

type Handlers struct {
	service *index.Service
	logger  *logger.Logger
}

func NewHandlers(svc *index.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "index-handlers")),
	}
}

// RegisterRoutes wires the search endpoint. Callers skip this entirely when
// the index is disabled, so /search 404s rather than reporting errors.
func RegisterRoutes(router *gin.Engine, svc *index.Service, log *logger.Logger) {
	handlers := NewHandlers(svc, log)
	router.GET("/search", handlers.search)
}

func (h *Handlers) search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	resp, err := h.service.Search(c.Request.Context(), query, c.Query("session_id"), limit)
	if err != nil {
		h.logger.Error("Search failed", zap.String("query", query), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
