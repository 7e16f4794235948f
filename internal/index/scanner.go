package index

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/transcript"
)

const (
	// scanWorkers bounds how many transcript files are parsed concurrently.
	// The SQLite writer serializes inserts anyway, so parsing is the only
	// stage that benefits from parallelism.
	scanWorkers = 4

	// maxScanLine must fit the largest single transcript line. Tool results
	// can carry whole file dumps.
	maxScanLine = 4 * 1024 * 1024
)

// ScanResult summarizes one pass over the transcript roots.
type ScanResult struct {
	ScanID       int64
	FilesScanned int
	FilesSkipped int
	LinesIndexed int64
	Duration     time.Duration
}

// Scanner walks transcript roots and re-indexes files whose size or mtime
// changed since the previous scan.
type Scanner struct {
	repo  *Repository
	roots []string
	log   *logger.Logger
}

// NewScanner creates a scanner over the given root directories.
func NewScanner(repo *Repository, roots []string, log *logger.Logger) *Scanner {
	return &Scanner{
		repo:  repo,
		roots: roots,
		log:   log.WithFields(zap.String("component", "index_scanner")),
	}
}

// Scan indexes every .jsonl transcript under the roots. Unchanged files are
// skipped via their recorded (size, mtime) pair. Unreadable files and parse
// failures are logged and skipped so one bad transcript cannot abort a scan.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	started := time.Now()

	states, err := s.repo.FileStates(ctx)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				s.log.Debug("Skipping unreadable path",
					zap.String("path", path), zap.Error(walkErr))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	result := &ScanResult{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			indexed, lines, err := s.scanFile(gctx, path, states)
			if err != nil {
				s.log.Warn("Failed to index transcript",
					zap.String("path", path), zap.Error(err))
				return nil
			}
			mu.Lock()
			if indexed {
				result.FilesScanned++
				result.LinesIndexed += lines
			} else {
				result.FilesSkipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	scanID, err := s.repo.RecordScan(ctx, started, result.Duration,
		result.FilesScanned, result.FilesSkipped, result.LinesIndexed)
	if err != nil {
		s.log.Warn("Failed to record scan history", zap.Error(err))
	} else {
		result.ScanID = scanID
	}

	s.log.Info("Transcript scan completed",
		zap.Int("files_scanned", result.FilesScanned),
		zap.Int("files_skipped", result.FilesSkipped),
		zap.Int64("lines_indexed", result.LinesIndexed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// scanFile parses one transcript and replaces its index rows. It reports
// indexed=false when the recorded stat values show the file is unchanged.
func (s *Scanner) scanFile(ctx context.Context, path string, states map[string]fileState) (bool, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, err
	}
	if prev, ok := states[path]; ok &&
		prev.Size == info.Size() && prev.MtimeNs == info.ModTime().UnixNano() {
		return false, 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, 0, err
	}
	defer f.Close()

	// The session id comes from the line envelope when present; files written
	// by agents that omit it fall back to the file name.
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	sawEnvelopeID := false

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line, err := transcript.ParseLine(raw)
		if err != nil {
			continue
		}
		if !sawEnvelopeID && line.SessionID != "" {
			sessionID = line.SessionID
			sawEnvelopeID = true
		}
		msg, ok := transcript.ExtractIndexed(line)
		if !ok {
			continue
		}
		msgs = append(msgs, Message{LineNo: lineNo, IndexedMessage: msg})
	}
	if err := scanner.Err(); err != nil {
		return false, 0, err
	}

	record := FileRecord{
		Path:      path,
		SessionID: sessionID,
		Size:      info.Size(),
		MtimeNs:   info.ModTime().UnixNano(),
	}
	if err := s.repo.ReplaceFile(ctx, record, msgs); err != nil {
		return false, 0, err
	}
	return true, int64(len(msgs)), nil
}
