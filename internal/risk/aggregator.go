// Package risk derives alert-worthy conditions from merged subject state and
// escalates threshold crossings exactly once.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

// Band is the severity range a risk score falls in.
type Band int

const (
	BandNone Band = iota
	BandWarning
	BandSevere
)

// Band floors. A score enters a band at its floor, inclusive.
const (
	WarningFloor = 0.5
	SevereFloor  = 0.7
)

func (b Band) String() string {
	switch b {
	case BandWarning:
		return "warning"
	case BandSevere:
		return "severe"
	default:
		return "none"
	}
}

// BandOf returns the band a score falls in.
func BandOf(score float64) Band {
	switch {
	case score >= SevereFloor:
		return BandSevere
	case score >= WarningFloor:
		return BandWarning
	default:
		return BandNone
	}
}

// Escalation is one upward band crossing.
type Escalation struct {
	Subject string
	Band    Band
	Score   float64
	TS      time.Time
}

// NotifyFunc receives escalations. It is called synchronously from Observe,
// so it must not block.
type NotifyFunc func(Escalation)

// Aggregator tracks the band each subject currently holds and notifies on
// upward crossings only. The held band always follows the latest score, so
// de-escalation is silent and a band re-fires only after the score has
// dropped below that band's floor and crossed it again.
type Aggregator struct {
	notify      NotifyFunc
	logger      *zap.Logger
	escalations *prometheus.CounterVec

	mu   sync.Mutex
	held map[string]Band
}

// New constructs an Aggregator. notify may be nil when only metrics and logs
// are wanted; reg may be nil to skip Prometheus registration.
func New(notify NotifyFunc, reg prometheus.Registerer, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		notify: notify,
		logger: logger,
		held:   make(map[string]Band),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_risk_escalations_total",
			Help: "Risk escalation notifications by band.",
		}, []string{"band"}),
	}
	if reg != nil {
		reg.MustRegister(a.escalations)
	}
	return a
}

// Observe feeds one merged risk score. It fires at most one escalation, for
// the band the score lands in, and only when that band is higher than the
// one currently held. Repeated scores within a band never re-fire.
func (a *Aggregator) Observe(subject string, score float64, ts time.Time) {
	band := BandOf(score)

	a.mu.Lock()
	prev := a.held[subject]
	a.held[subject] = band
	a.mu.Unlock()

	if band <= prev {
		return
	}
	a.escalations.WithLabelValues(band.String()).Inc()
	a.logger.Warn("risk escalation",
		zap.String("subject", subject),
		zap.String("band", band.String()),
		zap.Float64("score", score),
	)
	if a.notify != nil {
		a.notify(Escalation{Subject: subject, Band: band, Score: score, TS: ts})
	}
}

// Held reports the band currently held for a subject.
func (a *Aggregator) Held(subject string) Band {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[subject]
}

// Consume lets the aggregator run as a progress sink, watching risk-score
// metric updates as they flow through the hub.
func (a *Aggregator) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Kind != progress.KindMetricUpdate || evt.Metric != progress.RiskMetric {
			continue
		}
		a.Observe(evt.Subject, evt.Value, evt.TS)
	}
	return nil
}

// Close implements the sink interface; the aggregator holds no resources.
func (a *Aggregator) Close(context.Context) error {
	return nil
}
