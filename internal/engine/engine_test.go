package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
	"github.com/JakeFAU/realtime-account-provisioner/internal/storage/memory"
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

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (uuid.UUID, error) {
	g.n++
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", g.n)), nil
}

type captureBlobs struct {
	path string
	size int
}

func (b *captureBlobs) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.path = path
	b.size = len(data)
	return "gs://results-bucket/" + path, nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memory.JobStore, *captureEmitter, *captureBlobs) {
	t.Helper()
	store := memory.NewJobStore()
	emitter := &captureEmitter{}
	blobs := &captureBlobs{}
	eng := New(store, emitter, blobs,
		fixedClock{t: time.Unix(1700000000, 0)}, &seqIDs{}, cfg, nil)
	return eng, store, emitter, blobs
}

func submit(t *testing.T, eng *Engine, subject string) uuid.UUID {
	t.Helper()
	id, err := eng.Submit(context.Background(), provision.SubmitRequest{Subject: subject})
	require.NoError(t, err)
	return id
}

func TestSubmitRequiresSubject(t *testing.T) {
	t.Parallel()
	eng, _, emitter, _ := newTestEngine(t, Config{})

	_, err := eng.Submit(context.Background(), provision.SubmitRequest{Subject: "  "})
	require.ErrorIs(t, err, provision.ErrInvalidRequest)
	require.Empty(t, emitter.all())
}

func TestSubmitCreatesQueuedJobWithoutEvent(t *testing.T) {
	t.Parallel()
	eng, store, emitter, _ := newTestEngine(t, Config{})

	id := submit(t, eng, "acct-1")
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, provision.StageQueued, job.Stage)
	require.Equal(t, 0, job.Progress)
	require.Empty(t, emitter.all())
}

func TestFullLifecycleEmitsSixFrames(t *testing.T) {
	t.Parallel()
	eng, store, emitter, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating primary", 10))
	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningSecond, "creating secondary", 30))
	require.NoError(t, eng.Advance(ctx, id, provision.StageVerifying, "verifying", 55))
	require.NoError(t, eng.Advance(ctx, id, provision.StageFinalizing, "finalizing", 80))
	require.NoError(t, eng.Advance(ctx, id, provision.StageFinalizing, "finalizing retry", 95))
	require.NoError(t, eng.Complete(ctx, id, "done", json.RawMessage(`{"ok":true}`)))

	events := emitter.all()
	require.Len(t, events, 6)
	for i, evt := range events[:5] {
		require.Equal(t, progress.KindProgress, evt.Kind, "frame %d", i)
		require.False(t, evt.Terminal, "frame %d", i)
	}
	last := events[5]
	require.Equal(t, progress.KindCompleted, last.Kind)
	require.True(t, last.Terminal)
	require.Equal(t, 100, last.Progress)
	require.JSONEq(t, `{"ok":true}`, string(last.Result))

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, provision.StageCompleted, job.Stage)
	require.NotNil(t, job.Finished)
}

func TestAdvanceRejectsStageSkip(t *testing.T) {
	t.Parallel()
	eng, store, emitter, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	err := eng.Advance(ctx, id, provision.StageVerifying, "skipping ahead", 50)
	require.ErrorIs(t, err, provision.ErrInvalidTransition)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, provision.StageQueued, job.Stage)
	require.Empty(t, emitter.all())
}

func TestAdvanceSameStageRetryMayLowerProgress(t *testing.T) {
	t.Parallel()
	eng, _, emitter, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating", 40))
	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "retrying", 15))

	events := emitter.all()
	require.Len(t, events, 2)
	require.Equal(t, 15, events[1].Progress)
}

func TestAdvanceRejectsCrossStageRegression(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating", 40))
	err := eng.Advance(ctx, id, provision.StageProvisioningSecond, "secondary", 25)
	require.ErrorIs(t, err, provision.ErrInvalidTransition)
}

func TestAdvanceRejectsTerminalJob(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Fail(ctx, id, provision.FailureCollaborator, "upstream error"))
	err := eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating", 10)
	require.ErrorIs(t, err, provision.ErrInvalidTransition)
}

func TestAdvanceRejectsFailedAsNextStage(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	err := eng.Advance(ctx, id, provision.StageFailed, "nope", 10)
	require.ErrorIs(t, err, provision.ErrInvalidTransition)
}

func TestFailIsIdempotent(t *testing.T) {
	t.Parallel()
	eng, store, emitter, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Fail(ctx, id, provision.FailureTimeout, "timed out"))
	require.NoError(t, eng.Fail(ctx, id, provision.FailureTimeout, "timed out again"))

	events := emitter.all()
	require.Len(t, events, 1)
	require.Equal(t, progress.KindFailed, events[0].Kind)
	require.Equal(t, provision.FailureTimeout, events[0].Failure)
	require.True(t, events[0].Terminal)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "timed out", job.Message)
}

func TestFailRejectsCompletedJob(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating", 10))
	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningSecond, "creating", 30))
	require.NoError(t, eng.Advance(ctx, id, provision.StageVerifying, "verifying", 55))
	require.NoError(t, eng.Advance(ctx, id, provision.StageFinalizing, "finalizing", 80))
	require.NoError(t, eng.Complete(ctx, id, "done", nil))

	err := eng.Fail(ctx, id, provision.FailureCanceled, "late cancel")
	require.ErrorIs(t, err, provision.ErrInvalidTransition)
}

func TestCompleteOffloadsOversizedResult(t *testing.T) {
	t.Parallel()
	eng, store, emitter, blobs := newTestEngine(t, Config{InlineResultLimit: 32})
	ctx := context.Background()
	id := submit(t, eng, "acct-1")

	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningPrimary, "creating", 10))
	require.NoError(t, eng.Advance(ctx, id, provision.StageProvisioningSecond, "creating", 30))
	require.NoError(t, eng.Advance(ctx, id, provision.StageVerifying, "verifying", 55))
	require.NoError(t, eng.Advance(ctx, id, provision.StageFinalizing, "finalizing", 80))

	big, err := json.Marshal(map[string]string{"blob": string(make([]byte, 128))})
	require.NoError(t, err)
	require.NoError(t, eng.Complete(ctx, id, "done", big))

	require.Equal(t, fmt.Sprintf("results/%s.json", id), blobs.path)
	require.Equal(t, len(big), blobs.size)

	events := emitter.all()
	last := events[len(events)-1]
	require.Empty(t, last.Result)
	require.Equal(t, "gs://results-bucket/"+blobs.path, last.ResultRef)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Empty(t, job.Result)
	require.Equal(t, last.ResultRef, job.ResultRef)
}

func TestAdvanceUnknownJob(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t, Config{})

	err := eng.Advance(context.Background(), uuid.New(), provision.StageProvisioningPrimary, "creating", 10)
	require.ErrorIs(t, err, provision.ErrJobNotFound)
}

type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestSweepRemovesExpiredTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &steppingClock{t: time.Unix(1700000000, 0)}
	eng := New(store, &captureEmitter{}, nil, clk, &seqIDs{}, Config{}, nil)

	failed := submit(t, eng, "acct-1")
	require.NoError(t, eng.Fail(ctx, failed, provision.FailureCollaborator, "boom"))
	live := submit(t, eng, "acct-2")

	clk.advance(2 * time.Hour)
	removed, err := eng.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, failed)
	require.ErrorIs(t, err, provision.ErrJobNotFound)
	_, err = store.GetJob(ctx, live)
	require.NoError(t, err)
	require.NotContains(t, eng.locks, failed)

	// A second pass finds nothing left to remove.
	removed, err = eng.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestSweepKeepsRecentTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &steppingClock{t: time.Unix(1700000000, 0)}
	eng := New(store, &captureEmitter{}, nil, clk, &seqIDs{}, Config{}, nil)

	id := submit(t, eng, "acct-1")
	require.NoError(t, eng.Fail(ctx, id, provision.FailureCollaborator, "boom"))

	clk.advance(10 * time.Minute)
	removed, err := eng.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)

	_, err = store.GetJob(ctx, id)
	require.NoError(t, err)
}
