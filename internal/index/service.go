package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	v1 "github.com/relaydev/relay/pkg/api/v1"
)

// Service exposes the index to the HTTP layer and the CLI: rescans,
// searches, and stats. Scan completions are announced on the event bus.
type Service struct {
	repo     *Repository
	scanner  *Scanner
	eventBus bus.EventBus
	log      *logger.Logger
}

// NewService creates the index service. eventBus may be nil when nothing
// listens for scan events.
func NewService(repo *Repository, scanner *Scanner, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		scanner:  scanner,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "index_service")),
	}
}

// Rescan walks the transcript roots once and refreshes the index.
func (s *Service) Rescan(ctx context.Context) (*v1.RescanResponse, error) {
	result, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	s.publishScanCompleted(ctx, result)
	return &v1.RescanResponse{
		FilesScanned: result.FilesScanned,
		FilesSkipped: result.FilesSkipped,
		LinesIndexed: result.LinesIndexed,
		DurationMs:   result.Duration.Milliseconds(),
	}, nil
}

// Search returns indexed messages matching the query, newest first.
func (s *Service) Search(ctx context.Context, query, sessionID string, limit int) (*v1.SearchResponse, error) {
	results, err := s.repo.Search(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return &v1.SearchResponse{
		Query:   query,
		Results: results,
		Count:   len(results),
	}, nil
}

// Stats returns aggregate counters for the whole index.
func (s *Service) Stats(ctx context.Context) (*v1.IndexStats, error) {
	return s.repo.Stats(ctx)
}

func (s *Service) publishScanCompleted(ctx context.Context, result *ScanResult) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.IndexScanCompleted, "index-service", map[string]interface{}{
		"scan_id":       result.ScanID,
		"files_scanned": result.FilesScanned,
		"files_skipped": result.FilesSkipped,
		"lines_indexed": result.LinesIndexed,
		"duration_ms":   result.Duration.Milliseconds(),
	})
	if err := s.eventBus.Publish(ctx, events.IndexScanCompleted, event); err != nil {
		s.log.Error("Failed to publish scan event", zap.Error(err))
	}
}
