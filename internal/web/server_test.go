package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/orchestrator"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

type fakeHandler struct {
	mu    sync.Mutex
	msgs  []gate.Message
	err   error
	reply *gate.Reply
}

func (f *fakeHandler) Handle(_ context.Context, msg gate.Message) (gate.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.err != nil {
		return gate.Reply{}, f.err
	}
	if f.reply != nil {
		return *f.reply, nil
	}
	return gate.Reply{Action: gate.ActionPrompted, Text: "confirm?"}, nil
}

// storeSessions serves sessions straight from the store, the way the
// orchestrator does for sessions it is not running.
type storeSessions struct {
	store pipeline.ChainStore
}

func (s storeSessions) Get(ctx context.Context, id string) (*pipeline.ChainState, error) {
	cs, found, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	return cs, nil
}

func (s storeSessions) Cancel(ctx context.Context, id string) (bool, error) {
	cs, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cs.Status.Terminal() {
		return false, nil
	}
	cs.SetStatus(pipeline.StatusCancelled, time.Now())
	return true, s.store.Save(ctx, cs)
}

func seed(t *testing.T, store pipeline.ChainStore, id string, status pipeline.Status, created time.Time) {
	t.Helper()
	cs := pipeline.NewChainState(pipeline.BuildSession{
		ID:        id,
		Requester: "ana",
		Channel:   "chat",
		Request:   "build me a todo app",
		Phase:     pipeline.PhaseDeveloper,
		Status:    status,
		CreatedAt: created,
	})
	cs.QAAttempts = 1
	require.NoError(t, store.Save(context.Background(), cs))
}

type testServer struct {
	*Server
	handler *fakeHandler
	store   *pipeline.FileStore
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store := pipeline.NewFileStore(t.TempDir())
	h := &fakeHandler{}
	opts = append([]Option{WithCatalog(i18n.MustLoad(), "en"), WithPollInterval(10 * time.Millisecond)}, opts...)
	s, err := NewServer("127.0.0.1:0", h, storeSessions{store: store}, store, opts...)
	require.NoError(t, err)
	return &testServer{Server: s, handler: h, store: store}
}

func do(t *testing.T, s http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	store := pipeline.NewFileStore(t.TempDir())

	t.Run("returns error when handler is nil", func(t *testing.T) {
		_, err := NewServer(":0", nil, storeSessions{store: store}, store)
		assert.Error(t, err)
	})

	t.Run("returns error when sessions is nil", func(t *testing.T) {
		_, err := NewServer(":0", &fakeHandler{}, nil, store)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "agentgate_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := setupTestServer(t, WithGatherer(reg))
	rec := do(t, s, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentgate_test_total 1")
}

func TestHandleMessage(t *testing.T) {
	t.Run("routes message to handler", func(t *testing.T) {
		s := setupTestServer(t)

		rec := do(t, s, http.MethodPost, "/api/v1/messages", MessageRequest{
			Requester: "ana", Text: "build me a todo app", Locale: "es",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		var resp MessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, gate.ActionPrompted, resp.Action)
		assert.Equal(t, "confirm?", resp.Text)

		require.Len(t, s.handler.msgs, 1)
		assert.Equal(t, gate.Message{Requester: "ana", Channel: "http", Text: "build me a todo app", Locale: "es"}, s.handler.msgs[0])
	})

	t.Run("conflicting trigger answers 409", func(t *testing.T) {
		s := setupTestServer(t)
		s.handler.reply = &gate.Reply{
			Action:    gate.ActionConflict,
			Text:      "already pending",
			SessionID: "sess-1",
			Err:       gate.ErrConcurrentSession,
		}

		rec := do(t, s, http.MethodPost, "/api/v1/messages", MessageRequest{Requester: "ana", Text: "build me a shop"})

		require.Equal(t, http.StatusConflict, rec.Code)
		var resp MessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, gate.ActionConflict, resp.Action)
		assert.Equal(t, "sess-1", resp.SessionID)
		assert.Equal(t, gate.ErrConcurrentSession.Error(), resp.Error)
	})

	t.Run("requires requester and text", func(t *testing.T) {
		s := setupTestServer(t)

		rec := do(t, s, http.MethodPost, "/api/v1/messages", MessageRequest{Text: "hi"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, s, http.MethodPost, "/api/v1/messages", MessageRequest{Requester: "ana", Text: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, s.handler.msgs)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		s := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("handler failure is a 500", func(t *testing.T) {
		s := setupTestServer(t)
		s.handler.err = fmt.Errorf("store down")
		rec := do(t, s, http.MethodPost, "/api/v1/messages", MessageRequest{Requester: "ana", Text: "yes"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestListSessions(t *testing.T) {
	s := setupTestServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s.store, "s-1", pipeline.StatusRunning, base)
	seed(t, s.store, "s-2", pipeline.StatusSucceeded, base.Add(time.Minute))

	t.Run("all", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/sessions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []SessionSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 2)
		assert.Equal(t, "s-1", out[0].ID)
		assert.Equal(t, 1, out[0].QAAttempts)
		assert.Equal(t, pipeline.PhaseDeveloper, out[0].Phase)
	})

	t.Run("filtered", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/sessions?status=succeeded", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []SessionSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "s-2", out[0].ID)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/sessions?status=failed", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/sessions?status=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetSession(t *testing.T) {
	s := setupTestServer(t)
	seed(t, s.store, "s-1", pipeline.StatusRunning, time.Now())

	rec := do(t, s, http.MethodGet, "/api/v1/sessions/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cs pipeline.ChainState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Equal(t, "s-1", cs.SessionID)
	assert.Equal(t, "build me a todo app", cs.Session.Request)

	rec = do(t, s, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No build with id missing")
}

func TestGetSession_SpanishNotFound(t *testing.T) {
	s := setupTestServer(t, WithCatalog(i18n.MustLoad(), "es"))
	rec := do(t, s, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No existe ninguna construcción con id missing")
}

func TestCancelSession(t *testing.T) {
	s := setupTestServer(t)
	seed(t, s.store, "s-1", pipeline.StatusRunning, time.Now())

	rec := do(t, s, http.MethodPost, "/api/v1/sessions/s-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)
	assert.Equal(t, pipeline.StatusCancelled, resp.Status)

	cs, found, err := s.store.Load(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pipeline.StatusCancelled, cs.Status)

	// Already terminal.
	rec = do(t, s, http.MethodPost, "/api/v1/sessions/s-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStream(t *testing.T) {
	t.Run("terminal session sends state then done", func(t *testing.T) {
		s := setupTestServer(t)
		seed(t, s.store, "s-1", pipeline.StatusSucceeded, time.Now())

		rec := do(t, s, http.MethodGet, "/api/v1/sessions/s-1/stream", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
		body := rec.Body.String()
		assert.Contains(t, body, "event: state\n")
		assert.Contains(t, body, `"status":"succeeded"`)
		assert.True(t, strings.HasSuffix(body, "event: done\ndata: succeeded\n\n"))
	})

	t.Run("follows a session until it finishes", func(t *testing.T) {
		s := setupTestServer(t)
		seed(t, s.store, "s-1", pipeline.StatusRunning, time.Now())

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = storeSessions{store: s.store}.Cancel(context.Background(), "s-1")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1/stream", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		body := rec.Body.String()
		assert.Equal(t, 2, strings.Count(body, "event: state\n"))
		assert.Contains(t, body, `"status":"running"`)
		assert.True(t, strings.HasSuffix(body, "event: done\ndata: cancelled\n\n"))
	})

	t.Run("unknown session is a 404", func(t *testing.T) {
		s := setupTestServer(t)
		rec := do(t, s, http.MethodGet, "/api/v1/sessions/nope/stream", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
