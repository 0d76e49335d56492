package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	store := NewJobStore()
	ctx := context.Background()
	id := uuid.New()

	job := provision.Job{
		ID:      id,
		Subject: "acct-1",
		Stage:   provision.StageQueued,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, provision.StageQueued, got.Stage)

	got.Stage = provision.StageProvisioningPrimary
	got.Progress = 10
	require.NoError(t, store.UpdateJob(ctx, got))

	got, err = store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, provision.StageProvisioningPrimary, got.Stage)
	require.Equal(t, 10, got.Progress)

	require.NoError(t, store.DeleteJob(ctx, id))
	_, err = store.GetJob(ctx, id)
	require.ErrorIs(t, err, provision.ErrJobNotFound)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()
	store := NewJobStore()
	ctx := context.Background()

	_, err := store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, provision.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(ctx, provision.Job{ID: uuid.New()}), provision.ErrJobNotFound)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	snap := provision.Snapshot{
		Subject: "acct-1",
		Metrics: map[string]provision.MetricValue{
			"followers": {Value: 42, TS: now},
		},
		Personas: []provision.Persona{{ID: "persona-a", IsActive: true, TS: now}},
	}
	require.NoError(t, store.WriteSnapshot(ctx, snap))

	got, err := store.ReadSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	require.InDelta(t, 42, got.Metrics["followers"].Value, 0.001)
	require.Len(t, got.Personas, 1)
}

func TestSnapshotStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, store.WriteSnapshot(ctx, provision.Snapshot{
		Subject: "acct-1",
		Metrics: map[string]provision.MetricValue{
			"followers": {Value: 1, TS: now},
		},
	}))

	got, err := store.ReadSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	got.Metrics["followers"] = provision.MetricValue{Value: -1, TS: now}

	fresh, err := store.ReadSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	require.InDelta(t, 1, fresh.Metrics["followers"].Value, 0.001)
}

func TestSnapshotStoreUnknownSubject(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore()

	_, err := store.ReadSnapshot(context.Background(), "ghost")
	require.ErrorIs(t, err, provision.ErrSubjectNotFound)
}
