package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// PrometheusSink exports provisioning progress metrics. It owns all collectors
// for jobs running/completed, event throughput, and risk scores.
type PrometheusSink struct {
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	events        *prometheus.CounterVec
	riskScore     *prometheus.GaugeVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_jobs_completed_total",
			Help: "Total jobs that reached a terminal stage, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "provisioner_jobs_running",
			Help: "Current number of in-flight jobs.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_events_total",
			Help: "Progress events observed, partitioned by kind.",
		}, []string{"kind"}),
		riskScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provisioner_subject_risk_score",
			Help: "Last observed risk score per subject.",
		}, []string{"subject"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCompleted,
		s.jobsRunning,
		s.events,
		s.riskScore,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case progress.KindProgress:
		if evt.Stage == provision.StageQueued {
			return
		}
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindCompleted:
		s.jobsCompleted.WithLabelValues("completed").Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.KindFailed:
		s.jobsCompleted.WithLabelValues("failed").Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.KindMetricUpdate:
		if evt.Metric == progress.RiskMetric {
			s.riskScore.WithLabelValues(evt.Subject).Set(evt.Value)
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *jobTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
