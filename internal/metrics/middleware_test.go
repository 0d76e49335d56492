package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h, err := NewHTTP(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/subjects/{subject}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/subjects/acct-7", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	require.Equal(t, float64(1), testutil.ToFloat64(h.requests.WithLabelValues("GET", "200")))
	require.Equal(t, float64(1), testutil.ToFloat64(h.requests.WithLabelValues("GET", "404")))
	require.Positive(t, testutil.CollectAndCount(h.duration))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h, err := NewHTTP(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/abc")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(ts.URL + "/jobs/def")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	// Both requests collapse onto the route pattern, not the raw path.
	count, err := testutil.GatherAndCount(reg, "http_request_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestNewHTTPRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewHTTP(reg)
	require.NoError(t, err)

	_, err = NewHTTP(reg)
	require.Error(t, err)
}
