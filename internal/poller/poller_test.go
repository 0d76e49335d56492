package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) all() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Event, len(c.events))
	copy(out, c.events)
	return out
}

type stubProbe struct {
	mu     sync.Mutex
	result provision.ProbeResult
	err    error
	calls  int
}

func (p *stubProbe) Probe(context.Context) (provision.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result, p.err
}

func (p *stubProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubReader struct {
	snaps map[string]provision.Snapshot
	err   error
}

func (r *stubReader) ReadSnapshot(_ context.Context, subject string) (provision.Snapshot, error) {
	if r.err != nil {
		return provision.Snapshot{}, r.err
	}
	snap, ok := r.snaps[subject]
	if !ok {
		return provision.Snapshot{}, provision.ErrSubjectNotFound
	}
	return snap, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func TestPollEmitsConnectivityPerSubject(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	probe := &stubProbe{result: provision.ProbeResult{
		Reachable: true,
		Meta:      map[string]string{"exit_ip": "203.0.113.9"},
	}}
	p := New(probe, nil, emitter, systemClock{}, Config{
		Interval: time.Hour,
		Subjects: []string{"acct-1", "acct-2"},
	})

	p.pollOnce(context.Background())

	events := emitter.all()
	require.Len(t, events, 2)
	subjects := []string{events[0].Subject, events[1].Subject}
	require.ElementsMatch(t, []string{"acct-1", "acct-2"}, subjects)
	for _, evt := range events {
		require.Equal(t, progress.KindConnectivity, evt.Kind)
		require.True(t, evt.Reachable)
		require.Equal(t, "203.0.113.9", evt.Meta["exit_ip"])
		require.False(t, evt.TS.IsZero())
	}
}

func TestPollReplaysSnapshotMetrics(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	stored := time.Unix(1700000000, 0)
	reader := &stubReader{snaps: map[string]provision.Snapshot{
		"acct-1": {
			Subject: "acct-1",
			Metrics: map[string]provision.MetricValue{
				progress.RiskMetric: {Value: 0.61, TS: stored},
			},
		},
	}}
	p := New(nil, reader, emitter, systemClock{}, Config{
		Interval: time.Hour,
		Subjects: []string{"acct-1"},
	})

	p.pollOnce(context.Background())

	events := emitter.all()
	require.Len(t, events, 1)
	require.Equal(t, progress.KindMetricUpdate, events[0].Kind)
	require.Equal(t, progress.RiskMetric, events[0].Metric)
	require.InDelta(t, 0.61, events[0].Value, 0.001)
	require.Equal(t, stored, events[0].TS)
}

func TestPollFailuresDoNotStopSchedule(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	probe := &stubProbe{err: errors.New("probe transport broken")}
	reader := &stubReader{err: errors.New("storage unavailable")}
	p := New(probe, reader, emitter, systemClock{}, Config{
		Interval: 5 * time.Millisecond,
		Subjects: []string{"acct-1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return probe.callCount() >= 3
	}, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Empty(t, emitter.all())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	p := New(nil, nil, &captureEmitter{}, systemClock{}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Run(ctx), context.Canceled)
}
