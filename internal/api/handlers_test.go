package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blamouche/gpx-collaboration/internal/db"
	"github.com/blamouche/gpx-collaboration/internal/registry"
)

type testServer struct {
	router   *gin.Engine
	reg      *registry.Registry
	database *db.Database
}

func setupTestAPI(t *testing.T, withJournal bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{}
	var opts []registry.Option
	if withJournal {
		database, err := db.New(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		ts.database = database
		opts = append(opts, registry.WithHook(database))
	}
	ts.reg = registry.New(registry.Config{TTL: time.Minute}, zerolog.Nop(), opts...)
	t.Cleanup(func() {
		// Equivalent of t.Context() (Go 1.24+), which is canceled before cleanups run.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ts.reg.Close(ctx)
	})

	ts.router = gin.New()
	New(ts.reg, ts.database, zerolog.Nop()).Register(ts.router)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestHealth(t *testing.T) {
	ts := setupTestAPI(t, false)
	w, body := ts.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStats(t *testing.T) {
	ts := setupTestAPI(t, true)
	_, err := ts.reg.GetOrCreate("abc123", "10.0.0.1", "")
	require.NoError(t, err)

	w, body := ts.do(t, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	reg := body["registry"].(map[string]any)
	assert.Equal(t, float64(1), reg["rooms"])
	assert.Equal(t, float64(1), reg["rooms_created_total"])
	assert.Equal(t, float64(1), reg["rooms_pending_cleanup"])
	assert.Contains(t, body, "journal")
}

func TestStatsWithoutJournal(t *testing.T) {
	ts := setupTestAPI(t, false)
	_, body := ts.do(t, http.MethodGet, "/api/stats")
	assert.NotContains(t, body, "journal")
}

func TestListRoomsPagination(t *testing.T) {
	ts := setupTestAPI(t, false)
	for _, id := range []string{"room-a", "room-b", "room-c"} {
		_, err := ts.reg.GetOrCreate(id, "10.0.0.1", "")
		require.NoError(t, err)
	}

	_, body := ts.do(t, http.MethodGet, "/api/rooms?limit=2")
	assert.Equal(t, float64(3), body["total"])
	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 2)
	assert.Equal(t, "room-a", rooms[0].(map[string]any)["id"])

	_, body = ts.do(t, http.MethodGet, "/api/rooms?limit=2&offset=2")
	rooms = body["rooms"].([]any)
	require.Len(t, rooms, 1)
	assert.Equal(t, "room-c", rooms[0].(map[string]any)["id"])

	_, body = ts.do(t, http.MethodGet, "/api/rooms?offset=10")
	assert.Empty(t, body["rooms"])
}

func TestGetRoom(t *testing.T) {
	ts := setupTestAPI(t, true)
	_, err := ts.reg.GetOrCreate("abc123", "10.0.0.1", "s3cret")
	require.NoError(t, err)

	w, body := ts.do(t, http.MethodGet, "/api/rooms/abc123")
	require.Equal(t, http.StatusOK, w.Code)
	live := body["live"].(map[string]any)
	assert.Equal(t, true, live["has_secret"])
	assert.NotContains(t, live, "secret")
	journal := body["journal"].(map[string]any)
	assert.Equal(t, float64(1), journal["created_count"])

	w, _ = ts.do(t, http.MethodGet, "/api/rooms/nosuchroom")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/rooms/a!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvictRoomKeepsJournal(t *testing.T) {
	ts := setupTestAPI(t, true)
	_, err := ts.reg.GetOrCreate("abc123", "10.0.0.1", "")
	require.NoError(t, err)

	w, _ := ts.do(t, http.MethodDelete, "/api/rooms/abc123")
	require.Equal(t, http.StatusOK, w.Code)
	_, live := ts.reg.Get("abc123")
	assert.False(t, live)

	w, _ = ts.do(t, http.MethodDelete, "/api/rooms/abc123")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := ts.do(t, http.MethodGet, "/api/rooms/abc123")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, body, "live")
	assert.Equal(t, float64(1), body["journal"].(map[string]any)["evicted_count"])

	_, body = ts.do(t, http.MethodGet, "/api/rooms/abc123/events")
	events := body["events"].([]any)
	require.Len(t, events, 2)
	newest := events[0].(map[string]any)
	assert.Equal(t, "evicted", newest["type"])
	assert.Equal(t, "manual", newest["reason"])
}

func TestEventsRequireJournal(t *testing.T) {
	ts := setupTestAPI(t, false)
	w, _ := ts.do(t, http.MethodGet, "/api/rooms/abc123/events")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPurgeJournal(t *testing.T) {
	ts := setupTestAPI(t, true)
	_, err := ts.reg.GetOrCreate("abc123", "10.0.0.1", "")
	require.NoError(t, err)
	ts.reg.EvictNow("abc123")

	w, _ := ts.do(t, http.MethodDelete, "/api/rooms/abc123/journal")
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/rooms/abc123")
	assert.Equal(t, http.StatusNotFound, w.Code)
	n, err := ts.database.GetEventCount("abc123")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeJournalRequiresJournal(t *testing.T) {
	ts := setupTestAPI(t, false)
	w, _ := ts.do(t, http.MethodDelete, "/api/rooms/abc123/journal")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
