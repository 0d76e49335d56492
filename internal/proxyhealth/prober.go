// Package proxyhealth probes the external proxy collaborator for
// reachability and identifying metadata.
package proxyhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

const (
	defaultTimeout  = 5 * time.Second
	maxProbeBody    = 64 << 10
	userAgentHeader = "realtime-account-provisioner/1.0"
)

// Config controls the prober.
type Config struct {
	// URL is the proxy health endpoint. Required.
	URL string
	// Timeout bounds one probe round trip (default 5s). Ignored when Client
	// is set.
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
	Logger *zap.Logger
}

// Prober issues read-only HTTP probes against the proxy health endpoint. An
// unreachable proxy is a result, not an error: the probe reports
// Reachable=false and reserves the error return for malformed configuration.
type Prober struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New constructs a Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: probe url is required", provision.ErrInvalidRequest)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{url: cfg.URL, client: client, logger: logger}, nil
}

// Probe performs one round trip. Identifying metadata is taken from the
// endpoint's JSON body when it decodes as a flat string map; the HTTP status
// and measured latency are always included.
func (p *Prober) Probe(ctx context.Context) (provision.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return provision.ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgentHeader)

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.logger.Debug("proxy probe failed", zap.Error(err))
		return provision.ProbeResult{
			Reachable: false,
			Latency:   latency,
			Meta:      map[string]string{"error": err.Error()},
		}, nil
	}
	defer resp.Body.Close()

	meta := map[string]string{
		"status":     strconv.Itoa(resp.StatusCode),
		"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err == nil && len(body) > 0 {
		var fields map[string]string
		if json.Unmarshal(body, &fields) == nil {
			for k, v := range fields {
				meta[k] = v
			}
		}
	}

	reachable := resp.StatusCode >= 200 && resp.StatusCode < 300
	return provision.ProbeResult{
		Reachable: reachable,
		Latency:   latency,
		Meta:      meta,
	}, nil
}
