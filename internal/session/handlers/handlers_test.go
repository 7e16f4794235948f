package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/session/service"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/transcript"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type fakeService struct {
	attachFn func(ctx context.Context, sessionID, path string, dest models.Destination) error
	detachFn func(ctx context.Context, sessionID string, dest models.Destination) error
	sessions []models.Session
	markdown map[string]string
}

func (f *fakeService) Attach(ctx context.Context, sessionID, path string, dest models.Destination) error {
	if f.attachFn != nil {
		return f.attachFn(ctx, sessionID, path, dest)
	}
	return nil
}

func (f *fakeService) Detach(ctx context.Context, sessionID string, dest models.Destination) error {
	if f.detachFn != nil {
		return f.detachFn(ctx, sessionID, dest)
	}
	return nil
}

func (f *fakeService) Sessions() []models.Session { return f.sessions }

func (f *fakeService) Markdown(sessionID string) (string, error) {
	if md, ok := f.markdown[sessionID]; ok {
		return md, nil
	}
	return "", service.ErrSessionNotFound
}

func (f *fakeService) SessionCount() int { return len(f.sessions) }

func newTestRouter(t *testing.T, svc SessionService, hub *stream.Hub) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if hub == nil {
		hub = stream.NewHub(stream.Config{BufferSize: 8, QueueSize: 8}, newTestLogger(t))
	}
	router := gin.New()
	RegisterRoutes(router, svc, hub, 50*time.Millisecond, "test", newTestLogger(t))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAttachEndpoint(t *testing.T) {
	var got struct {
		sessionID string
		path      string
		dest      models.Destination
	}
	svc := &fakeService{
		attachFn: func(ctx context.Context, sessionID, path string, dest models.Destination) error {
			got.sessionID, got.path, got.dest = sessionID, path, dest
			return nil
		},
	}
	router := newTestRouter(t, svc, nil)

	body := `{"session_id":"sess-1","path":"/tmp/session.jsonl","destination":{"type":"telegram","chat_id":"100"}}`
	rec := doJSON(t, router, http.MethodPost, "/attach", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "sess-1", got.sessionID)
	assert.Equal(t, "/tmp/session.jsonl", got.path)
	assert.Equal(t, models.Destination{Kind: models.DestinationTelegram, Target: "100"}, got.dest)
}

func TestAttachEndpoint_Errors(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		router := newTestRouter(t, &fakeService{}, nil)
		rec := doJSON(t, router, http.MethodPost, "/attach", `{"path":"/tmp/x.jsonl"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown destination type", func(t *testing.T) {
		router := newTestRouter(t, &fakeService{}, nil)
		body := `{"session_id":"s1","path":"/tmp/x.jsonl","destination":{"type":"pager","chat_id":"1"}}`
		rec := doJSON(t, router, http.MethodPost, "/attach", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("telegram without chat_id", func(t *testing.T) {
		router := newTestRouter(t, &fakeService{}, nil)
		body := `{"session_id":"s1","path":"/tmp/x.jsonl","destination":{"type":"telegram","channel":"C1"}}`
		rec := doJSON(t, router, http.MethodPost, "/attach", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("already attached reads as success", func(t *testing.T) {
		svc := &fakeService{
			attachFn: func(context.Context, string, string, models.Destination) error {
				return service.ErrAlreadyAttached
			},
		}
		router := newTestRouter(t, svc, nil)
		body := `{"session_id":"s1","path":"/tmp/x.jsonl","destination":{"type":"telegram","chat_id":"1"}}`
		rec := doJSON(t, router, http.MethodPost, "/attach", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("shutting down", func(t *testing.T) {
		svc := &fakeService{
			attachFn: func(context.Context, string, string, models.Destination) error {
				return service.ErrShuttingDown
			},
		}
		router := newTestRouter(t, svc, nil)
		body := `{"session_id":"s1","path":"/tmp/x.jsonl","destination":{"type":"telegram","chat_id":"1"}}`
		rec := doJSON(t, router, http.MethodPost, "/attach", body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestDetachEndpoint(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		router := newTestRouter(t, &fakeService{}, nil)
		body := `{"session_id":"s1","destination":{"type":"slack","channel":"C42"}}`
		rec := doJSON(t, router, http.MethodPost, "/detach", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("not attached reads as success", func(t *testing.T) {
		svc := &fakeService{
			detachFn: func(context.Context, string, models.Destination) error {
				return service.ErrNotAttached
			},
		}
		router := newTestRouter(t, svc, nil)
		body := `{"session_id":"s1","destination":{"type":"slack","channel":"C42"}}`
		rec := doJSON(t, router, http.MethodPost, "/detach", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})
}

func TestListSessionsEndpoint(t *testing.T) {
	svc := &fakeService{
		sessions: []models.Session{
			{
				ID:   "sess-1",
				Path: "/tmp/a.jsonl",
				Destinations: []models.Destination{
					{Kind: models.DestinationTelegram, Target: "100"},
					{Kind: models.DestinationSlack, Target: "C42"},
				},
			},
		},
	}
	router := newTestRouter(t, svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "sess-1", out[0]["session_id"])
	dests, ok := out[0]["destinations"].([]any)
	require.True(t, ok)
	require.Len(t, dests, 2)
	first := dests[0].(map[string]any)
	assert.Equal(t, "telegram", first["type"])
	assert.Equal(t, "100", first["chat_id"])
	_, hasChannel := first["channel"]
	assert.False(t, hasChannel, "empty wire fields must be omitted")
}

func TestMarkdownEndpoint(t *testing.T) {
	svc := &fakeService{markdown: map[string]string{"sess-1": "> hi\n\nhello"}}
	router := newTestRouter(t, svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions/sess-1/markdown", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "> hi\n\nhello", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")

	rec = doJSON(t, router, http.MethodGet, "/sessions/nope/markdown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	svc := &fakeService{sessions: []models.Session{{ID: "a"}, {ID: "b"}}}
	router := newTestRouter(t, svc, nil)

	rec := doJSON(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test","sessions":2}`, rec.Body.String())
}

func TestStreamEvents_UnknownSession(t *testing.T) {
	router := newTestRouter(t, &fakeService{}, nil)
	rec := doJSON(t, router, http.MethodGet, "/sessions/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents_ReplaysAndPings(t *testing.T) {
	hub := stream.NewHub(stream.Config{BufferSize: 8, QueueSize: 8}, newTestLogger(t))
	hub.Open("sess-1")
	hub.Publish("sess-1", transcript.Event{
		Kind:  transcript.EventAddBlock,
		Block: &transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"},
	})
	hub.Publish("sess-1", transcript.Event{
		Kind:  transcript.EventUpdateBlock,
		Block: &transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi there"},
	})

	router := newTestRouter(t, &fakeService{}, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/sess-1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids, events, datas []string
	scanner := bufio.NewScanner(resp.Body)
	sawPing := false
	for scanner.Scan() && !(len(datas) >= 2 && sawPing) {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case line == "event: ping":
			sawPing = true
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && line != "data: {}":
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}

	require.Len(t, datas, 2, "both buffered events must replay")
	assert.Equal(t, []string{"1", "2"}, ids)
	assert.Equal(t, []string{"add_block", "update_block"}, events)
	assert.True(t, sawPing, "heartbeat ping must be emitted")

	var payload stream.Event
	require.NoError(t, json.Unmarshal([]byte(datas[0]), &payload))
	assert.Equal(t, int64(1), payload.EventID)
	assert.Equal(t, transcript.EventAddBlock, payload.Kind)
	require.NotNil(t, payload.Block)
	assert.Equal(t, "hi", payload.Block.Text)
}

func TestStreamEvents_ResumeFromLastEventID(t *testing.T) {
	hub := stream.NewHub(stream.Config{BufferSize: 8, QueueSize: 8}, newTestLogger(t))
	hub.Open("sess-1")
	for i := 1; i <= 3; i++ {
		hub.Publish("sess-1", transcript.Event{
			Kind:  transcript.EventAddBlock,
			Block: &transcript.Block{ID: i, Type: transcript.BlockUser, Text: "b"},
		})
	}

	router := newTestRouter(t, &fakeService{}, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/sess-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var ids []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
			break
		}
	}
	assert.Equal(t, []string{"3"}, ids, "replay must start after the acknowledged event")
}

func TestStreamWebSocket_MirrorsEvents(t *testing.T) {
	hub := stream.NewHub(stream.Config{BufferSize: 8, QueueSize: 8}, newTestLogger(t))
	hub.Open("sess-1")
	hub.Publish("sess-1", transcript.Event{
		Kind:  transcript.EventAddBlock,
		Block: &transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"},
	})

	router := newTestRouter(t, &fakeService{}, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/sess-1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(1), ev.EventID)
	assert.Equal(t, transcript.EventAddBlock, ev.Kind)

	hub.Publish("sess-1", transcript.Event{
		Kind:  transcript.EventAddBlock,
		Block: &transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "hello"},
	})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(2), ev.EventID)
}

func TestStreamWebSocket_UnknownSession(t *testing.T) {
	router := newTestRouter(t, &fakeService{}, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/nope/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
