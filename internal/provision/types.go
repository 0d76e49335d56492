// Package provision defines the core domain types shared by the stage engine,
// the transports, and the reconciliation layer.
package provision

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one step of the provisioning lifecycle. Stages form a fixed
// sequence; a job may only move to its immediate successor, re-enter its
// current stage, or drop to StageFailed.
type Stage string

// Lifecycle stages in order. StageCompleted and StageFailed are terminal.
const (
	StageQueued               Stage = "queued"
	StageProvisioningPrimary  Stage = "provisioning_primary"
	StageProvisioningSecond   Stage = "provisioning_secondary"
	StageVerifying            Stage = "verifying"
	StageFinalizing           Stage = "finalizing"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// stageOrder maps each non-failed stage to its position in the sequence.
var stageOrder = map[Stage]int{
	StageQueued:              0,
	StageProvisioningPrimary: 1,
	StageProvisioningSecond:  2,
	StageVerifying:           3,
	StageFinalizing:          4,
	StageCompleted:           5,
}

// Known reports whether s is a recognized lifecycle stage.
func (s Stage) Known() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether s permits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Index returns the position of s in the forward sequence, or -1 for
// StageFailed and unknown stages.
func (s Stage) Index() int {
	idx, ok := stageOrder[s]
	if !ok {
		return -1
	}
	return idx
}

// Successor reports whether next is the immediate successor of s.
func (s Stage) Successor(next Stage) bool {
	cur, ok := stageOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stageOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// FailureClass partitions terminal failures for observers.
type FailureClass string

// Supported failure classifications.
const (
	FailureCollaborator FailureClass = "collaborator_failure"
	FailureTimeout      FailureClass = "timeout"
	FailureCanceled     FailureClass = "canceled"
)

// Job is the unit of progress tracking. It is created by the engine at
// submission, mutated only by the engine, and immutable once terminal.
type Job struct {
	// ID is assigned at submission and never changes.
	ID uuid.UUID
	// Subject names the account/entity this job provisions.
	Subject string
	// Stage is the current lifecycle stage.
	Stage Stage
	// Progress is 0-100 and only decreases on a same-stage retry.
	Progress int
	// Message is the human-readable current activity.
	Message string
	// Result holds the collaborator's payload once the job completes. If the
	// payload was offloaded, ResultRef points at the blob instead.
	Result json.RawMessage
	// ResultRef references an offloaded result payload (e.g. a gs:// URI).
	ResultRef string
	// Failure carries the classification once the job fails.
	Failure FailureClass
	// Submitted and Finished bound the job's lifetime.
	Submitted time.Time
	Finished  *time.Time
}

// SubmitRequest carries the fields required to create a job.
type SubmitRequest struct {
	Subject string            `json:"subject"`
	Profile map[string]string `json:"profile"`
}

// Persona is one identity attached to a subject. At most one persona per
// subject is active at any time.
type Persona struct {
	ID       string    `json:"id"`
	IsActive bool      `json:"is_active"`
	TS       time.Time `json:"ts"`
}

// MetricValue is a derived metric tagged with its source timestamp.
type MetricValue struct {
	Value float64   `json:"value"`
	TS    time.Time `json:"ts"`
}

// FieldValue is a core-entity field tagged with its source timestamp.
type FieldValue struct {
	Value string    `json:"value"`
	TS    time.Time `json:"ts"`
}

// Connectivity is the last known proxy reachability for a subject.
type Connectivity struct {
	Reachable bool              `json:"reachable"`
	Meta      map[string]string `json:"meta,omitempty"`
	TS        time.Time         `json:"ts"`
}

// Snapshot is the point-in-time view of a subject served by the storage
// collaborator. It seeds client reconciliation and backs poll fallback reads.
type Snapshot struct {
	Subject      string                 `json:"subject"`
	Core         map[string]FieldValue  `json:"core"`
	Metrics      map[string]MetricValue `json:"metrics"`
	RiskScore    MetricValue            `json:"risk_score"`
	Personas     []Persona              `json:"personas"`
	Connectivity Connectivity           `json:"connectivity"`
}
