// Package poller schedules fixed-interval reads for state that is not
// event-driven and feeds the results into the same reconciliation path as
// pushed events.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

const defaultInterval = 30 * time.Second

// Config controls the poll schedule.
type Config struct {
	// Interval between polls (default 30s).
	Interval time.Duration
	// Subjects to poll snapshots and connectivity for.
	Subjects []string
	Logger   *zap.Logger
}

// Poller issues one proxy-health probe and one snapshot read per subject on
// a fixed interval. Results are emitted as ordinary events tagged with their
// own source timestamps, so reconcilers treat them exactly like pushed
// updates and the recency gate resolves any overlap. A failed poll is logged
// and the schedule continues; the previous value stays authoritative until a
// newer one arrives from any channel.
type Poller struct {
	probe     provision.ProxyProbe
	snapshots provision.SnapshotReader
	emitter   progress.Emitter
	clock     provision.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Poller. probe or snapshots may be nil to disable that
// half of the schedule.
func New(
	probe provision.ProxyProbe,
	snapshots provision.SnapshotReader,
	emitter progress.Emitter,
	clock provision.Clock,
	cfg Config,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		probe:     probe,
		snapshots: snapshots,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls immediately, then on every interval tick until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	if p.probe != nil {
		p.pollConnectivity(ctx)
	}
	if p.snapshots != nil {
		for _, subject := range p.cfg.Subjects {
			p.pollSnapshot(ctx, subject)
		}
	}
}

// pollConnectivity probes the proxy once and fans the result out to every
// polled subject.
func (p *Poller) pollConnectivity(ctx context.Context) {
	result, err := p.probe.Probe(ctx)
	if err != nil {
		p.logger.Warn("proxy probe failed", zap.Error(err))
		return
	}
	now := p.clock.Now().UTC()
	for _, subject := range p.cfg.Subjects {
		p.emitter.Emit(progress.Event{
			Kind:      progress.KindConnectivity,
			Subject:   subject,
			Reachable: result.Reachable,
			Meta:      result.Meta,
			TS:        now,
		})
	}
}

// pollSnapshot re-reads stored metrics and replays them as metric updates
// with their stored timestamps. Reconcilers that already saw a newer value
// discard these without error.
func (p *Poller) pollSnapshot(ctx context.Context, subject string) {
	snap, err := p.snapshots.ReadSnapshot(ctx, subject)
	if err != nil {
		if !errors.Is(err, provision.ErrSubjectNotFound) {
			p.logger.Warn("snapshot poll failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
		return
	}
	for name, mv := range snap.Metrics {
		p.emitter.Emit(progress.Event{
			Kind:    progress.KindMetricUpdate,
			Subject: subject,
			Metric:  name,
			Value:   mv.Value,
			TS:      mv.TS,
		})
	}
}
