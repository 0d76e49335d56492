package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// SnapshotStore is an in-memory snapshot read/write store. Reads return deep
// copies so callers can never observe a partially-applied write.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]provision.Snapshot
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]provision.Snapshot)}
}

// ReadSnapshot returns the current snapshot for the subject.
func (s *SnapshotStore) ReadSnapshot(_ context.Context, subject string) (provision.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[subject]
	if !ok {
		return provision.Snapshot{}, provision.ErrSubjectNotFound
	}
	return cloneSnapshot(snap), nil
}

// WriteSnapshot replaces the stored snapshot for the subject.
func (s *SnapshotStore) WriteSnapshot(_ context.Context, snap provision.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Subject] = cloneSnapshot(snap)
	return nil
}

func cloneSnapshot(in provision.Snapshot) provision.Snapshot {
	out := in
	if in.Core != nil {
		out.Core = make(map[string]provision.FieldValue, len(in.Core))
		for k, v := range in.Core {
			out.Core[k] = v
		}
	}
	if in.Metrics != nil {
		out.Metrics = make(map[string]provision.MetricValue, len(in.Metrics))
		for k, v := range in.Metrics {
			out.Metrics[k] = v
		}
	}
	if in.Personas != nil {
		out.Personas = append([]provision.Persona(nil), in.Personas...)
	}
	if in.Connectivity.Meta != nil {
		out.Connectivity.Meta = make(map[string]string, len(in.Connectivity.Meta))
		for k, v := range in.Connectivity.Meta {
			out.Connectivity.Meta[k] = v
		}
	}
	return out
}
