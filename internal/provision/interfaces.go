package provision

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// JobStore persists job records. The engine is the only writer. DeleteJob
// serves the retention sweep; deleting an unknown job is not an error.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// SnapshotReader serves idempotent point-in-time subject reads. It backs both
// initial reconciler seeding and the poll fallback cycle.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, subject string) (Snapshot, error)
}

// SnapshotWriter updates the stored subject state. Implemented by the storage
// collaborator; the engine and pollers never write snapshots directly.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snap Snapshot) error
}

// BlobStore offloads large result payloads and returns a stable reference.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher mirrors broadcast events to an external topic for off-process
// consumers. Implementations marshal the payload themselves.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// ProxyProbe is the read-only reachability check polled on a fixed interval.
type ProxyProbe interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// ProbeResult carries reachability plus identifying metadata.
type ProbeResult struct {
	Reachable bool
	Latency   time.Duration
	Meta      map[string]string
}
