// Package state persists per-session watcher progress so a restarted relay
// resumes where it stopped instead of replaying whole transcripts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/transcript"
)

// Turn is the persisted view of one destination's open turn.
type Turn struct {
	TurnID    string `json:"turn_id"`
	MessageID string `json:"message_id,omitempty"`
	TextHash  uint64 `json:"text_hash,omitempty"`
}

// Record is one session's durable progress. It is written after a batch's
// events have been handed to the dispatcher, so a crash replays at most the
// batch that was in flight.
type Record struct {
	SessionID string              `json:"session_id"`
	Path      string              `json:"path"`
	Offset    int64               `json:"offset"`
	Context   *transcript.Context `json:"context,omitempty"`
	Turns     map[string]Turn     `json:"turns,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store keeps one JSON file per session under a state directory. Writes go
// through a temp file and rename, so readers only ever see full records.
type Store struct {
	dir string
	log *logger.Logger
	mu  sync.Mutex
}

func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		dir: dir,
		log: log.WithFields(zap.String("component", "state_store")),
	}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sanitizeID(sessionID)+".json")
}

// sanitizeID keeps session IDs filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}

// Save writes the record atomically, stamping UpdatedAt.
func (s *Store) Save(rec *Record) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("state record needs a session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}

	path := s.path(rec.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Load returns the record for one session, or nil when none is stored.
func (s *Store) Load(sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(sessionID))
}

// LoadAll returns every stored record. Files that fail to parse are skipped
// with a warning so one corrupt record cannot block startup.
func (s *Store) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Skipping unreadable state record",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Delete removes a session's record. Missing files are not an error.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (s *Store) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state record: %w", err)
	}
	return &rec, nil
}
