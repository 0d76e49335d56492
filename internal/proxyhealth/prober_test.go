package proxyhealth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

func TestProbeHealthyEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"exit_ip":"203.0.113.9","country":"NL"}`))
	}))
	defer srv.Close()

	prober, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	result, err := prober.Probe(context.Background())
	require.NoError(t, err)
	require.True(t, result.Reachable)
	require.Equal(t, "203.0.113.9", result.Meta["exit_ip"])
	require.Equal(t, "NL", result.Meta["country"])
	require.Equal(t, "200", result.Meta["status"])
	require.GreaterOrEqual(t, result.Latency.Nanoseconds(), int64(0))
}

func TestProbeServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	prober, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	result, err := prober.Probe(context.Background())
	require.NoError(t, err)
	require.False(t, result.Reachable)
	require.Equal(t, "502", result.Meta["status"])
}

func TestProbeUnreachableHost(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	prober, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	result, err := prober.Probe(context.Background())
	require.NoError(t, err)
	require.False(t, result.Reachable)
	require.Contains(t, result.Meta, "error")
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.ErrorIs(t, err, provision.ErrInvalidRequest)
}
