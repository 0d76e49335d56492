package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/engine"
	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
	"github.com/JakeFAU/realtime-account-provisioner/internal/storage/memory"
)

type captureEmitter struct {
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.events = append(c.events, evt)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type uuidGen struct{}

func (uuidGen) NewID() (uuid.UUID, error) { return uuid.New(), nil }

func newHarness(t *testing.T) (*engine.Engine, *memory.JobStore, *captureEmitter) {
	t.Helper()
	store := memory.NewJobStore()
	emitter := &captureEmitter{}
	eng := engine.New(store, emitter, nil, realClock{}, uuidGen{}, engine.Config{}, nil)
	return eng, store, emitter
}

func TestScriptedRunsFullLifecycle(t *testing.T) {
	t.Parallel()
	eng, store, emitter := newHarness(t)
	req := provision.SubmitRequest{Subject: "acct-1"}
	id, err := eng.Submit(context.Background(), req)
	require.NoError(t, err)

	auto := NewScripted(eng, nil, func(provision.SubmitRequest) json.RawMessage {
		return json.RawMessage(`{"account":"acct-1"}`)
	}, nil)
	require.NoError(t, auto.Run(context.Background(), id, req))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, provision.StageCompleted, job.Stage)
	require.Equal(t, 100, job.Progress)

	require.Len(t, emitter.events, 6)
	require.Equal(t, progress.KindCompleted, emitter.events[5].Kind)
	require.JSONEq(t, `{"account":"acct-1"}`, string(emitter.events[5].Result))
}

func TestScriptedStepErrorFailsJob(t *testing.T) {
	t.Parallel()
	eng, store, emitter := newHarness(t)
	req := provision.SubmitRequest{Subject: "acct-1"}
	id, err := eng.Submit(context.Background(), req)
	require.NoError(t, err)

	steps := []Step{
		{Stage: provision.StageProvisioningPrimary, Message: "creating primary", Progress: 10},
		{
			Stage:    provision.StageProvisioningSecond,
			Message:  "creating secondary",
			Progress: 30,
			Do: func(context.Context, provision.SubmitRequest) error {
				return errors.New("upstream account service rejected request")
			},
		},
	}
	auto := NewScripted(eng, steps, nil, nil)
	require.NoError(t, auto.Run(context.Background(), id, req))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, provision.StageFailed, job.Stage)
	require.Equal(t, provision.FailureCollaborator, job.Failure)

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, progress.KindFailed, last.Kind)
	require.True(t, last.Terminal)
}

func TestScriptedCancellationFailsJobCanceled(t *testing.T) {
	t.Parallel()
	eng, store, _ := newHarness(t)
	req := provision.SubmitRequest{Subject: "acct-1"}
	id, err := eng.Submit(context.Background(), req)
	require.NoError(t, err)

	steps := []Step{
		{Stage: provision.StageProvisioningPrimary, Message: "creating primary", Progress: 10, Delay: time.Hour},
	}
	auto := NewScripted(eng, steps, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, auto.Run(ctx, id, req))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, provision.StageFailed, job.Stage)
	require.Equal(t, provision.FailureCanceled, job.Failure)
}
