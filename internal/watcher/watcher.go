// Package watcher tails append-only JSONL transcript files. Each Tail tracks
// one file: it reads complete lines from a byte offset, coalesces bursts of
// filesystem notifications into single reads, and detects truncation and
// replacement of the watched file.
package watcher

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/transcript"
)

// Batch is one read of new transcript lines. Offset is the byte position
// after the last complete line consumed; incomplete trailing lines are not
// included and not advanced past. Reset means the file was truncated or
// replaced: the consumer must discard its processing context and clear
// derived views before applying Lines, which replay the file from the start.
type Batch struct {
	SessionID string
	Lines     []*transcript.Line
	Offset    int64
	Reset     bool
}

// Config describes one watched transcript file.
type Config struct {
	SessionID string
	Path      string
	// Offset is the byte position to resume from, usually restored from the
	// state store. Zero reads the file from the beginning.
	Offset int64
	// CoalesceWindow is how long to wait after a change notification before
	// reading, so rapid appends become one batch.
	CoalesceWindow time.Duration
}

// Tail watches a single transcript file and emits Batches of parsed lines.
//
// All offset and read bookkeeping happens on the run goroutine. The debounce
// timer callback only signals that goroutine, so no data fields need locking
// beyond the timer itself.
type Tail struct {
	sessionID string
	path      string
	window    time.Duration
	log       *logger.Logger

	batches chan Batch
	gone    chan struct{}
	signals chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	debounce *time.Timer

	stopOnce sync.Once
	wg       sync.WaitGroup

	// run goroutine only
	offset       int64
	missing      bool
	pendingReset bool
}

// New creates a Tail for the given file. Call Start to begin watching.
func New(cfg Config, log *logger.Logger) *Tail {
	if log == nil {
		log = logger.Default()
	}
	window := cfg.CoalesceWindow
	if window <= 0 {
		window = 150 * time.Millisecond
	}
	return &Tail{
		sessionID: cfg.SessionID,
		path:      filepath.Clean(cfg.Path),
		window:    window,
		log:       log.WithSessionID(cfg.SessionID),
		batches:   make(chan Batch, 1),
		gone:      make(chan struct{}, 1),
		signals:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		offset:    cfg.Offset,
	}
}

// Batches returns the channel of line batches. It is closed when the Tail
// stops. Sends block until the consumer is ready, which keeps per-session
// ordering and applies backpressure to the reader.
func (t *Tail) Batches() <-chan Batch {
	return t.batches
}

// Gone signals that the watched file disappeared. The Tail keeps watching
// the parent directory and resumes with a Reset batch if the file reappears.
func (t *Tail) Gone() <-chan struct{} {
	return t.gone
}

// Start launches the watch loop.
func (t *Tail) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop terminates the watch loop and waits for it to exit. The Batches
// channel is closed once the loop has stopped.
func (t *Tail) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.debounce != nil {
			t.debounce.Stop()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
}

func (t *Tail) run() {
	defer t.wg.Done()
	defer close(t.batches)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Error("Failed to create filesystem watcher", zap.Error(err))
		return
	}
	defer fsw.Close()

	// Watch the parent directory as well as the file itself: directory
	// events are the only reliable way to observe removal, rename, and
	// recreation of the file across platforms.
	dir := filepath.Dir(t.path)
	if err := fsw.Add(dir); err != nil {
		t.log.Error("Failed to watch transcript directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	if err := fsw.Add(t.path); err != nil {
		// File does not exist yet. The directory watch picks up its
		// creation; until then the session counts as gone.
		t.markGone()
	} else {
		t.readNew()
	}

	for {
		select {
		case <-t.done:
			return

		case <-t.signals:
			t.readNew()

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				t.markGone()
			case event.Has(fsnotify.Create):
				if t.missing {
					t.missing = false
					t.pendingReset = true
				}
				if err := fsw.Add(t.path); err != nil {
					t.log.Debug("Failed to re-watch transcript file", zap.Error(err))
				}
				t.arm()
			case event.Has(fsnotify.Write):
				t.arm()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return
			}
			t.log.Debug("Filesystem watcher error", zap.Error(werr))
		}
	}
}

// arm starts or resets the coalescing timer. When it fires, a single signal
// wakes the run goroutine to read everything that accumulated.
func (t *Tail) arm() {
	t.mu.Lock()
	if t.debounce != nil {
		t.debounce.Stop()
	}
	t.debounce = time.AfterFunc(t.window, t.signal)
	t.mu.Unlock()
}

func (t *Tail) signal() {
	select {
	case t.signals <- struct{}{}:
	default:
	}
}

func (t *Tail) markGone() {
	if t.missing {
		return
	}
	t.missing = true
	t.log.Info("Transcript file disappeared", zap.String("path", t.path))
	select {
	case t.gone <- struct{}{}:
	default:
	}
}

// readNew reads complete lines past the current offset and emits them as one
// batch. A file shorter than the offset means truncation or replacement: the
// read restarts from zero and the batch is marked Reset.
func (t *Tail) readNew() {
	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.markGone()
		} else {
			t.log.Warn("Failed to stat transcript file", zap.Error(err))
		}
		return
	}

	reset := t.pendingReset
	if info.Size() < t.offset {
		t.log.Info("Transcript file truncated, replaying from start",
			zap.Int64("offset", t.offset),
			zap.Int64("size", info.Size()))
		reset = true
	}
	from := t.offset
	if reset {
		from = 0
	}

	lines, newOffset, err := t.readLines(from)
	if err != nil {
		t.log.Warn("Failed to read transcript file", zap.Error(err))
		return
	}
	if !reset && newOffset == t.offset && len(lines) == 0 {
		return
	}

	t.offset = newOffset
	t.pendingReset = false

	batch := Batch{
		SessionID: t.sessionID,
		Lines:     lines,
		Offset:    newOffset,
		Reset:     reset,
	}
	select {
	case t.batches <- batch:
	case <-t.done:
	}
}

// readLines reads from the given offset to the end of the file, returning
// parsed lines and the offset after the last complete line. Malformed lines
// are dropped with the offset advanced past them; a trailing line without a
// newline is left for the next read.
func (t *Tail) readLines(from int64) ([]*transcript.Line, int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, from, err
	}
	defer f.Close()

	if from > 0 {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return nil, from, err
		}
	}

	reader := bufio.NewReader(f)
	var lines []*transcript.Line
	pos := from
	for {
		raw, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return lines, pos, err
		}
		pos += int64(len(raw))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		line, perr := transcript.ParseLine(trimmed)
		if perr != nil {
			t.log.Debug("Dropping malformed transcript line", zap.Error(perr))
			continue
		}
		lines = append(lines, line)
	}
	return lines, pos, nil
}
