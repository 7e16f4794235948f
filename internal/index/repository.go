// Package index maintains a searchable database of transcript messages.
// A scanner walks transcript roots and feeds parsed lines into the
// repository, which serves full-text search and aggregate statistics.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/db/dialect"
	"github.com/relaydev/relay/internal/transcript"
	v1 "github.com/relaydev/relay/pkg/api/v1"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcript_files (
	path TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	indexed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	path TEXT NOT NULL,
	line_no INTEGER NOT NULL,
	role TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	is_error INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP,
	indexed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_messages_session ON transcript_messages(session_id, line_no);
CREATE INDEX IF NOT EXISTS idx_transcript_messages_path ON transcript_messages(path);
CREATE INDEX IF NOT EXISTS idx_transcript_messages_created ON transcript_messages(created_at);

CREATE TABLE IF NOT EXISTS index_scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	files_scanned INTEGER NOT NULL,
	files_skipped INTEGER NOT NULL,
	lines_indexed INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transcript_files (
	path TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	size BIGINT NOT NULL,
	mtime_ns BIGINT NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_messages (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	path TEXT NOT NULL,
	line_no INTEGER NOT NULL,
	role TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	is_error INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ,
	indexed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_messages_session ON transcript_messages(session_id, line_no);
CREATE INDEX IF NOT EXISTS idx_transcript_messages_path ON transcript_messages(path);
CREATE INDEX IF NOT EXISTS idx_transcript_messages_created ON transcript_messages(created_at);

CREATE TABLE IF NOT EXISTS index_scans (
	id BIGSERIAL PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	files_scanned INTEGER NOT NULL,
	files_skipped INTEGER NOT NULL,
	lines_indexed BIGINT NOT NULL
);
`

// Message is one indexable transcript line together with its position
// in the source file.
type Message struct {
	LineNo int
	transcript.IndexedMessage
}

// FileRecord identifies an indexed transcript file. Size and MtimeNs are
// the stat values at scan time and drive change detection on later scans.
type FileRecord struct {
	Path      string
	SessionID string
	Size      int64
	MtimeNs   int64
}

// Repository persists indexed transcript messages through the shared pool.
// All statements are written with "?" placeholders and rebound per driver.
type Repository struct {
	pool *db.Pool
	log  *logger.Logger
}

// NewRepository creates the repository and ensures the schema exists.
func NewRepository(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Repository, error) {
	r := &Repository{
		pool: pool,
		log:  log.WithFields(zap.String("component", "index_repository")),
	}
	if err := r.initSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if dialect.IsPostgres(r.pool.Writer().DriverName()) {
		schema = postgresSchema
	}
	if _, err := r.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

type fileState struct {
	Path    string `db:"path"`
	Size    int64  `db:"size"`
	MtimeNs int64  `db:"mtime_ns"`
}

// FileStates returns the stat values recorded for every indexed file,
// keyed by path.
func (r *Repository) FileStates(ctx context.Context) (map[string]fileState, error) {
	var rows []fileState
	err := r.pool.Reader().SelectContext(ctx, &rows,
		`SELECT path, size, mtime_ns FROM transcript_files`)
	if err != nil {
		return nil, fmt.Errorf("failed to load file states: %w", err)
	}
	states := make(map[string]fileState, len(rows))
	for _, fs := range rows {
		states[fs.Path] = fs
	}
	return states, nil
}

// ReplaceFile atomically swaps the indexed messages for one transcript file.
// Transcripts are append-only but can be truncated and rewritten, so the
// whole file is re-indexed rather than diffed.
func (r *Repository) ReplaceFile(ctx context.Context, file FileRecord, msgs []Message) error {
	writer := r.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM transcript_messages WHERE path = ?`), file.Path); err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM transcript_files WHERE path = ?`), file.Path); err != nil {
		return fmt.Errorf("failed to clear file record: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO transcript_files (path, session_id, size, mtime_ns, indexed_at)
			VALUES (?, ?, ?, ?, ?)`),
		file.Path, file.SessionID, file.Size, file.MtimeNs, now); err != nil {
		return fmt.Errorf("failed to record file: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO transcript_messages
		(session_id, path, line_no, role, request_id, text, is_error, meta, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range msgs {
		meta := messageMeta(m)
		var created interface{}
		if !m.Timestamp.IsZero() {
			created = m.Timestamp
		}
		if _, err := tx.ExecContext(ctx, insert,
			file.SessionID, file.Path, m.LineNo, m.Role, m.RequestID, m.Text,
			dialect.BoolToInt(m.IsError), meta, created, now); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func messageMeta(m Message) string {
	fields := map[string]string{}
	if m.Version != "" {
		fields["version"] = m.Version
	}
	if m.CWD != "" {
		fields["cwd"] = m.CWD
	}
	if len(fields) == 0 {
		return "{}"
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}

type searchRow struct {
	SessionID string       `db:"session_id"`
	Path      string       `db:"path"`
	LineNo    int          `db:"line_no"`
	Role      string       `db:"role"`
	Text      string       `db:"text"`
	IsError   int          `db:"is_error"`
	CreatedAt sql.NullTime `db:"created_at"`
}

// Search returns messages whose text contains the query, newest first.
// sessionID narrows the search to one session when non-empty.
func (r *Repository) Search(ctx context.Context, query, sessionID string, limit int) ([]v1.SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	reader := r.pool.Reader()
	stmt := `SELECT session_id, path, line_no, role, text, is_error, created_at
		FROM transcript_messages
		WHERE text ` + dialect.Like(reader.DriverName()) + ` ? ESCAPE '\'`
	args := []interface{}{"%" + escapeLike(query) + "%"}
	if sessionID != "" {
		stmt += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	stmt += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []searchRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	results := make([]v1.SearchResult, 0, len(rows))
	for _, row := range rows {
		res := v1.SearchResult{
			SessionID: row.SessionID,
			Path:      row.Path,
			LineNo:    row.LineNo,
			Role:      row.Role,
			Text:      row.Text,
			IsError:   row.IsError != 0,
		}
		if row.CreatedAt.Valid {
			res.Timestamp = row.CreatedAt.Time.UTC()
		}
		results = append(results, res)
	}
	return results, nil
}

// escapeLike neutralizes LIKE metacharacters so user queries match literally.
func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

// Stats aggregates index-wide counters for the stats endpoint.
func (r *Repository) Stats(ctx context.Context) (*v1.IndexStats, error) {
	reader := r.pool.Reader()
	driver := reader.DriverName()
	stats := &v1.IndexStats{ByRole: map[string]int64{}}

	if err := reader.GetContext(ctx, &stats.Messages,
		`SELECT COUNT(*) FROM transcript_messages`); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := reader.GetContext(ctx, &stats.Sessions,
		`SELECT COUNT(DISTINCT session_id) FROM transcript_messages`); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	var roleRows []struct {
		Role string `db:"role"`
		N    int64  `db:"n"`
	}
	if err := reader.SelectContext(ctx, &roleRows,
		`SELECT role, COUNT(*) AS n FROM transcript_messages GROUP BY role`); err != nil {
		return nil, fmt.Errorf("failed to count roles: %w", err)
	}
	for _, row := range roleRows {
		stats.ByRole[row.Role] = row.N
	}

	versionExpr := dialect.JSONExtract(driver, "meta", "version")
	var versionRows []struct {
		Version string `db:"version"`
		N       int64  `db:"n"`
	}
	versionStmt := `SELECT ` + versionExpr + ` AS version, COUNT(*) AS n
		FROM transcript_messages
		WHERE ` + dialect.JSONExtractIsNotNull(driver, "meta", "version") + `
		GROUP BY version`
	if err := reader.SelectContext(ctx, &versionRows, versionStmt); err != nil {
		return nil, fmt.Errorf("failed to count versions: %w", err)
	}
	if len(versionRows) > 0 {
		stats.ByVersion = make(map[string]int64, len(versionRows))
		for _, row := range versionRows {
			stats.ByVersion[row.Version] = row.N
		}
	}

	recentStmt := `SELECT COUNT(DISTINCT session_id) FROM transcript_messages
		WHERE created_at >= ` + dialect.NowMinusHours(driver, "24")
	if err := reader.GetContext(ctx, &stats.RecentActive, recentStmt); err != nil {
		return nil, fmt.Errorf("failed to count recent sessions: %w", err)
	}

	var lastScan time.Time
	err := reader.GetContext(ctx, &lastScan,
		`SELECT started_at FROM index_scans ORDER BY id DESC LIMIT 1`)
	switch {
	case err == sql.ErrNoRows:
		// No scan has run yet.
	case err != nil:
		return nil, fmt.Errorf("failed to load last scan: %w", err)
	default:
		utc := lastScan.UTC()
		stats.LastScan = &utc
	}

	return stats, nil
}

// RecordScan appends one row of scan history and returns its id.
func (r *Repository) RecordScan(ctx context.Context, startedAt time.Time, duration time.Duration, scanned, skipped int, lines int64) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, r.pool.Writer(),
		`INSERT INTO index_scans (started_at, duration_ms, files_scanned, files_skipped, lines_indexed)
			VALUES (?, ?, ?, ?, ?)`,
		startedAt.UTC(), duration.Milliseconds(), scanned, skipped, lines)
	if err != nil {
		return 0, fmt.Errorf("failed to record scan: %w", err)
	}
	return id, nil
}
