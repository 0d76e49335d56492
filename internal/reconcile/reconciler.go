// Package reconcile merges snapshot reads, broadcast events, and poll results
// into one authoritative view of a subject.
package reconcile

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// JobView is the reconciler's read model of the subject's most recent job.
type JobView struct {
	ID       uuid.UUID
	Stage    provision.Stage
	Progress int
	Message  string
	TS       time.Time
}

// State is the merged subject view handed to consumers. It is always a copy;
// mutating it has no effect on the reconciler.
type State struct {
	provision.Snapshot
	ActiveJob *JobView
}

// Reconciler maintains the merged state for one subject. Field updates are
// applied iff their source timestamp is not older than the field's current
// one, so arrival order never decides a conflict. A later-arriving update
// with an equal timestamp overwrites; the broadcast channel is treated as
// authoritative on such ties.
type Reconciler struct {
	subject string
	logger  *zap.Logger

	mu        sync.RWMutex
	state     State
	personaTS time.Time

	staleDrops atomic.Uint64
}

// NewReconciler constructs a reconciler for one subject with empty state.
// Callers normally Seed from a snapshot before applying events.
func NewReconciler(subject string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		subject: subject,
		logger:  logger,
		state: State{
			Snapshot: provision.Snapshot{
				Subject: subject,
				Core:    make(map[string]provision.FieldValue),
				Metrics: make(map[string]provision.MetricValue),
			},
		},
	}
}

// Seed replaces the merged state with a snapshot read. Used once at
// subscription time and again after every reconnect, since broadcast carries
// no replay.
func (r *Reconciler) Seed(snap provision.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Snapshot = cloneSnapshot(snap)
	r.state.Snapshot.Subject = r.subject
	r.state.ActiveJob = nil
	r.personaTS = time.Time{}
	for _, p := range snap.Personas {
		if p.TS.After(r.personaTS) {
			r.personaTS = p.TS
		}
	}
}

// Apply merges one event into the state and reports whether it was applied.
// Stale events (older source timestamp than the field they touch) are
// discarded without error; events for other subjects are ignored.
func (r *Reconciler) Apply(evt progress.Event) bool {
	if evt.Subject != r.subject {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch evt.Kind {
	case progress.KindProgress, progress.KindCompleted, progress.KindFailed:
		return r.applyJob(evt)
	case progress.KindMetricUpdate:
		return r.applyMetric(evt)
	case progress.KindPersona:
		return r.applyPersona(evt)
	case progress.KindConnectivity:
		return r.applyConnectivity(evt)
	default:
		return false
	}
}

// applyJob treats the active-job view as one timestamped field. The gate
// ignores job identity: broadcast guarantees no ordering across jobs, so an
// older event from another job must lose to the newer view it arrives after.
func (r *Reconciler) applyJob(evt progress.Event) bool {
	cur := r.state.ActiveJob
	if cur != nil && evt.TS.Before(cur.TS) {
		return r.drop(evt, "job")
	}
	r.state.ActiveJob = &JobView{
		ID:       evt.JobID,
		Stage:    evt.Stage,
		Progress: evt.Progress,
		Message:  evt.Message,
		TS:       evt.TS,
	}
	return true
}

func (r *Reconciler) applyMetric(evt progress.Event) bool {
	cur := r.state.Metrics[evt.Metric]
	if evt.TS.Before(cur.TS) {
		return r.drop(evt, "metric")
	}
	mv := provision.MetricValue{Value: evt.Value, TS: evt.TS}
	r.state.Metrics[evt.Metric] = mv
	if evt.Metric == progress.RiskMetric {
		r.state.RiskScore = mv
	}
	return true
}

// applyPersona activates one persona and deactivates every sibling in the
// same step. The persona set carries a single recency timestamp so that two
// activation events can never interleave into two active personas.
func (r *Reconciler) applyPersona(evt progress.Event) bool {
	if evt.TS.Before(r.personaTS) {
		return r.drop(evt, "persona")
	}
	found := false
	for i := range r.state.Personas {
		p := &r.state.Personas[i]
		p.IsActive = p.ID == evt.Persona
		p.TS = evt.TS
		if p.IsActive {
			found = true
		}
	}
	if !found {
		r.state.Personas = append(r.state.Personas, provision.Persona{
			ID:       evt.Persona,
			IsActive: true,
			TS:       evt.TS,
		})
	}
	r.personaTS = evt.TS
	return true
}

func (r *Reconciler) applyConnectivity(evt progress.Event) bool {
	if evt.TS.Before(r.state.Connectivity.TS) {
		return r.drop(evt, "connectivity")
	}
	meta := make(map[string]string, len(evt.Meta))
	for k, v := range evt.Meta {
		meta[k] = v
	}
	r.state.Connectivity = provision.Connectivity{
		Reachable: evt.Reachable,
		Meta:      meta,
		TS:        evt.TS,
	}
	return true
}

func (r *Reconciler) drop(evt progress.Event, field string) bool {
	r.staleDrops.Add(1)
	r.logger.Debug("discarding stale update",
		zap.String("subject", r.subject),
		zap.String("field", field),
		zap.String("kind", string(evt.Kind)),
		zap.Time("event_ts", evt.TS),
	)
	return false
}

// CurrentState returns a consistent copy of the merged state. The copy is
// taken under the reconciler lock, so it never observes a partially applied
// update.
func (r *Reconciler) CurrentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := State{Snapshot: cloneSnapshot(r.state.Snapshot)}
	if r.state.ActiveJob != nil {
		job := *r.state.ActiveJob
		out.ActiveJob = &job
	}
	return out
}

// StaleDrops reports how many stale updates have been discarded since
// construction.
func (r *Reconciler) StaleDrops() uint64 {
	return r.staleDrops.Load()
}

func cloneSnapshot(snap provision.Snapshot) provision.Snapshot {
	out := provision.Snapshot{
		Subject:   snap.Subject,
		RiskScore: snap.RiskScore,
		Core:      make(map[string]provision.FieldValue, len(snap.Core)),
		Metrics:   make(map[string]provision.MetricValue, len(snap.Metrics)),
	}
	for k, v := range snap.Core {
		out.Core[k] = v
	}
	for k, v := range snap.Metrics {
		out.Metrics[k] = v
	}
	out.Personas = make([]provision.Persona, len(snap.Personas))
	copy(out.Personas, snap.Personas)
	out.Connectivity = snap.Connectivity
	if snap.Connectivity.Meta != nil {
		out.Connectivity.Meta = make(map[string]string, len(snap.Connectivity.Meta))
		for k, v := range snap.Connectivity.Meta {
			out.Connectivity.Meta[k] = v
		}
	}
	return out
}
