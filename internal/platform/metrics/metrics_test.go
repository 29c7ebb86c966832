package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMiddleware_counts_by_route(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/sessions/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "session_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	for _, id := range []string{"a", "b", "missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/sessions/{session_id}")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))
}

func TestEngineCounters(t *testing.T) {
	m := New()
	m.ObserveChunkFetch(ResultOK)
	m.ObserveChunkFetch(ResultOK)
	m.ObserveChunkFetch(ResultCancelled)
	m.ObserveMutation("append", ResultError)
	m.AddEvicted(3)
	m.IncSeeks()
	m.IncQualitySwitches()
	m.SetActiveSessions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunkFetchesTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunkFetchesTotal.WithLabelValues(ResultCancelled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutationsTotal.WithLabelValues("append", ResultError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictedChunksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.seeksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.qualitySwitchesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSessions))
}

func TestHandler_refreshes_gauges_before_scrape(t *testing.T) {
	m := New()
	srv := httptest.NewServer(m.Handler(func() { m.SetActiveSessions(7) }))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "chunkplayer_active_sessions 7"))
}
