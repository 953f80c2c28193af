package stats

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/metrics"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /metrics to be set")
	assert.Equal(t, "GET /metrics", pattern, "expected handler to be registered for GET method on /metrics")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	su := NewStatsUpdater(nil)
	su.RegisterMetric(NumActiveRooms)
	su.RegisterMetric(NumActiveRooms)
	su.Run()
	defer su.Stop()

	su.Incr(NumActiveRooms)
	su.Incr(NumActiveRooms)
	su.Decr(NumActiveRooms)

	g := su.gauges[NumActiveRooms]
	require.NotNil(t, g)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(g) == 1
	}, time.Second, 10*time.Millisecond, "expected gauge to settle at 1")
}

func TestStatsUpdater_UpdatesAfterStop(t *testing.T) {
	su := NewStatsUpdater(nil)
	su.RegisterMetric(NumActiveClients)
	su.Run()

	su.Incr(NumActiveClients)
	g := su.gauges[NumActiveClients]
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(g) == 1
	}, time.Second, 10*time.Millisecond)

	su.Stop()
	su.Stop()

	assert.NotPanics(t, func() {
		su.Decr(NumActiveClients)
		su.Incr(NumActiveClients)
	}, "expected late updates to be dropped")
	assert.Equal(t, float64(1), testutil.ToFloat64(g))
}

func TestStatsUpdater_Handler(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumActiveClients)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "taskchat_active_clients")
	assert.Contains(t, rr.Body.String(), "taskchat_uptime_seconds")
}

func TestStatsUpdater_Middleware(t *testing.T) {
	su := NewStatsUpdater(nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h := su.Middleware(mux)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/chat/rooms/abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/chat/rooms/def", nil))

	count := testutil.ToFloat64(su.requests.WithLabelValues(http.MethodGet, "GET /chat/rooms/{id}", "404"))
	assert.Equal(t, 2.0, count, "expected requests to be grouped by pattern")
}
