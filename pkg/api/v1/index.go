package v1

import "time"

// SearchResult is one indexed transcript message matching a query
type SearchResult struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	LineNo    int       `json:"line_no"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchResponse for transcript search queries
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// IndexStats summarizes the transcript index
type IndexStats struct {
	Messages     int64            `json:"messages"`
	Sessions     int64            `json:"sessions"`
	ByRole       map[string]int64 `json:"by_role"`
	ByVersion    map[string]int64 `json:"by_version,omitempty"`
	RecentActive int64            `json:"recent_active"`
	LastScan     *time.Time       `json:"last_scan,omitempty"`
}

// RescanResponse reports the outcome of an index scan
type RescanResponse struct {
	FilesScanned int   `json:"files_scanned"`
	FilesSkipped int   `json:"files_skipped"`
	LinesIndexed int64 `json:"lines_indexed"`
	DurationMs   int64 `json:"duration_ms"`
}
