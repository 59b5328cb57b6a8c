package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	health Health
}

func (s stubSource) HealthSnapshot() Health { return s.health }

// newTestServer builds routes without the network listen NewServer performs,
// so these tests exercise handlers directly via httptest.
func newTestServer(source HealthSource) *Server {
	s := &Server{router: mux.NewRouter(), source: source}
	s.setupRoutes()
	return s
}

func TestHandleHealth_ReportsEngineState(t *testing.T) {
	src := stubSource{health: Health{
		FeedAge: 5 * time.Second, FeedFresh: true,
		Regime: "CALM", QueueLen: 3,
	}}
	srv := newTestServer(src)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "CALM", body["regime"])
	assert.Equal(t, float64(3), body["outbox_depth"])
}

func TestHandleReady_StaleFeedReturns503(t *testing.T) {
	src := stubSource{health: Health{FeedAge: 10 * time.Minute, FeedFresh: false}}
	srv := newTestServer(src)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReady_FreshFeedReturns200(t *testing.T) {
	src := stubSource{health: Health{FeedAge: time.Second, FeedFresh: true}}
	srv := newTestServer(src)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleNotFound(t *testing.T) {
	srv := newTestServer(stubSource{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

