package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// Kind denotes the variant carried by an Event. The set is closed so consumers
// can handle every case exhaustively.
type Kind string

// Supported event kinds.
const (
	KindProgress     Kind = "progress"
	KindCompleted    Kind = "completed"
	KindFailed       Kind = "failed"
	KindMetricUpdate Kind = "metric-update"
	KindPersona      Kind = "persona-activation"
	KindConnectivity Kind = "connectivity"
)

// RiskMetric is the reserved metric name carrying the subject risk score.
// Metric updates under this name drive the threshold aggregator.
const RiskMetric = "risk_score"

// Event is one immutable record of subject or job activity. TS is the source
// timestamp used for recency comparison during reconciliation: reconcilers
// apply a field update iff its TS is not older than the field's current one,
// regardless of arrival order.
type Event struct {
	// Kind selects which fields below are meaningful.
	Kind Kind `json:"kind"`
	// Subject scopes the event for broadcast fan-out.
	Subject string `json:"subject"`
	// TS is the source timestamp recorded by the emitter.
	TS time.Time `json:"ts"`

	// JobID, Stage, Progress, and Message describe job lifecycle events.
	JobID    uuid.UUID       `json:"job_id,omitempty"`
	Stage    provision.Stage `json:"stage,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	// Terminal marks the final frame of a job's push stream.
	Terminal bool `json:"terminal,omitempty"`
	// Result is the inline completion payload; ResultRef replaces it when the
	// payload was offloaded to blob storage.
	Result    json.RawMessage        `json:"result,omitempty"`
	ResultRef string                 `json:"result_ref,omitempty"`
	Failure   provision.FailureClass `json:"failure,omitempty"`

	// Metric and Value describe metric-update events.
	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`

	// Persona names the persona activated for the subject.
	Persona string `json:"persona,omitempty"`

	// Reachable and Meta describe connectivity events.
	Reachable bool              `json:"reachable,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Subject == "" {
		return errors.New("subject is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress:
		if e.JobID == (uuid.UUID{}) {
			return errors.New("progress event requires job id")
		}
		if !e.Stage.Known() {
			return fmt.Errorf("unknown stage %q", e.Stage)
		}
	case KindCompleted:
		if e.JobID == (uuid.UUID{}) {
			return errors.New("completed event requires job id")
		}
		if !e.Terminal {
			return errors.New("completed event must be terminal")
		}
	case KindFailed:
		if e.JobID == (uuid.UUID{}) {
			return errors.New("failed event requires job id")
		}
		if !e.Terminal {
			return errors.New("failed event must be terminal")
		}
		if e.Failure == "" {
			return errors.New("failed event requires classification")
		}
	case KindMetricUpdate:
		if e.Metric == "" {
			return errors.New("metric update requires metric name")
		}
	case KindPersona:
		if e.Persona == "" {
			return errors.New("persona activation requires persona id")
		}
	case KindConnectivity:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within 0-100")
	}
	return nil
}

// Topic returns the named event category used on the publish/subscribe
// boundary.
func (e Event) Topic() string {
	switch e.Kind {
	case KindProgress, KindCompleted, KindFailed:
		return "job-progress"
	case KindMetricUpdate:
		if e.Metric == RiskMetric {
			return "risk-update"
		}
		return "metric-update"
	case KindPersona:
		return "persona-activation"
	case KindConnectivity:
		return "connectivity-status"
	default:
		return "unknown"
	}
}
