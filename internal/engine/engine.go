// Package engine drives job records through the provisioning stage sequence.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// Config controls engine behavior.
//   - InlineResultLimit: result payloads larger than this many bytes are
//     offloaded to the blob store and referenced from the terminal event
//     (default 8 KiB).
type Config struct {
	InlineResultLimit int
}

const defaultInlineResultLimit = 8 << 10

// Engine is the single writer for job records. All mutations of one job are
// serialized; distinct jobs proceed fully in parallel.
type Engine struct {
	store   provision.JobStore
	emitter progress.Emitter
	blobs   provision.BlobStore
	clock   provision.Clock
	ids     provision.IDGenerator
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	locks    map[uuid.UUID]*sync.Mutex
	finished map[uuid.UUID]time.Time
}

// New constructs an Engine. blobs may be nil, in which case results are always
// inlined.
func New(
	store provision.JobStore,
	emitter progress.Emitter,
	blobs provision.BlobStore,
	clock provision.Clock,
	ids provision.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InlineResultLimit <= 0 {
		cfg.InlineResultLimit = defaultInlineResultLimit
	}
	return &Engine{
		store:    store,
		emitter:  emitter,
		blobs:    blobs,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		finished: make(map[uuid.UUID]time.Time),
	}
}

// Submit validates the request and creates a job in the queued stage. It
// returns the new job ID. No event is emitted; the first event follows the
// collaborator's first Advance call.
func (e *Engine) Submit(ctx context.Context, req provision.SubmitRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return uuid.UUID{}, fmt.Errorf("%w: subject is required", provision.ErrInvalidRequest)
	}
	id, err := e.ids.NewID()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("generate job id: %w", err)
	}
	job := provision.Job{
		ID:        id,
		Subject:   req.Subject,
		Stage:     provision.StageQueued,
		Progress:  0,
		Message:   "queued",
		Submitted: e.clock.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return uuid.UUID{}, fmt.Errorf("create job: %w", err)
	}
	e.logger.Info("job submitted",
		zap.String("job_id", id.String()),
		zap.String("subject", req.Subject),
	)
	return id, nil
}

// Advance moves a job to next, which must be the immediate successor of the
// current stage or the current stage itself. Same-stage re-entry may lower the
// progress percentage (a collaborator retry); any other regression, skip, or
// mutation of a terminal job is rejected with ErrInvalidTransition and the job
// record is left unchanged.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID, next provision.Stage, message string, pct int) error {
	return e.transition(ctx, id, next, message, pct, nil)
}

// Complete moves a job from finalizing to completed, attaching the
// collaborator's result payload. Payloads above the inline limit are written
// to the blob store and the terminal event carries the reference instead.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, message string, result json.RawMessage) error {
	return e.transition(ctx, id, provision.StageCompleted, message, 100, result)
}

// Fail moves any non-terminal job to failed with the given classification.
// Calling Fail on an already-failed job is a no-op.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, class provision.FailureClass, message string) error {
	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Stage == provision.StageFailed {
		return nil
	}
	if job.Stage == provision.StageCompleted {
		return fmt.Errorf("%w: job already completed", provision.ErrInvalidTransition)
	}
	now := e.clock.Now().UTC()
	job.Stage = provision.StageFailed
	job.Message = message
	job.Failure = class
	job.Finished = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	e.markFinished(job.ID, now)
	e.emit(progress.Event{
		Kind:     progress.KindFailed,
		JobID:    job.ID,
		Subject:  job.Subject,
		Stage:    provision.StageFailed,
		Progress: job.Progress,
		Message:  message,
		Failure:  class,
		TS:       now,
		Terminal: true,
	})
	return nil
}

func (e *Engine) transition(
	ctx context.Context,
	id uuid.UUID,
	next provision.Stage,
	message string,
	pct int,
	result json.RawMessage,
) error {
	if !next.Known() || next == provision.StageFailed {
		return fmt.Errorf("%w: unknown stage %q", provision.ErrInvalidTransition, next)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: progress %d out of range", provision.ErrInvalidTransition, pct)
	}

	lock := e.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Stage.Terminal() {
		return fmt.Errorf("%w: job is terminal", provision.ErrInvalidTransition)
	}
	sameStage := next == job.Stage
	if !sameStage && !job.Stage.Successor(next) {
		return fmt.Errorf("%w: %s -> %s", provision.ErrInvalidTransition, job.Stage, next)
	}
	// Progress only regresses on a same-stage retry.
	if !sameStage && pct < job.Progress {
		return fmt.Errorf("%w: progress %d below %d", provision.ErrInvalidTransition, pct, job.Progress)
	}

	now := e.clock.Now().UTC()
	job.Stage = next
	job.Progress = pct
	job.Message = message
	evt := progress.Event{
		Kind:     progress.KindProgress,
		JobID:    job.ID,
		Subject:  job.Subject,
		Stage:    next,
		Progress: pct,
		Message:  message,
		TS:       now,
	}
	if next == provision.StageCompleted {
		job.Finished = &now
		evt.Kind = progress.KindCompleted
		evt.Terminal = true
		ref, inline, offErr := e.storeResult(ctx, job.ID, result)
		if offErr != nil {
			return offErr
		}
		job.Result = inline
		job.ResultRef = ref
		evt.Result = inline
		evt.ResultRef = ref
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if job.Stage.Terminal() {
		e.markFinished(job.ID, now)
	}
	e.emit(evt)
	return nil
}

// storeResult offloads oversized payloads and returns (ref, inline, err).
func (e *Engine) storeResult(ctx context.Context, id uuid.UUID, result json.RawMessage) (string, json.RawMessage, error) {
	if len(result) == 0 {
		return "", nil, nil
	}
	if e.blobs == nil || len(result) <= e.cfg.InlineResultLimit {
		return "", result, nil
	}
	path := fmt.Sprintf("results/%s.json", id)
	ref, err := e.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(result))
	if err != nil {
		return "", nil, fmt.Errorf("offload result: %w", err)
	}
	return ref, nil, nil
}

func (e *Engine) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// jobLock returns the mutex serializing mutations of one job. Locks are kept
// for the life of the process; terminal jobs stop being mutated so contention
// is bounded by in-flight work.
func (e *Engine) jobLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

func (e *Engine) markFinished(id uuid.UUID, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished[id] = at
}

// Sweep deletes terminal job records that finished at least olderThan ago and
// drops their serialization locks. It returns the number of records removed.
func (e *Engine) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.clock.Now().UTC().Add(-olderThan)
	e.mu.Lock()
	var expired []uuid.UUID
	for id, at := range e.finished {
		if !at.After(cutoff) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	removed := 0
	for _, id := range expired {
		if err := e.store.DeleteJob(ctx, id); err != nil {
			return removed, fmt.Errorf("delete job %s: %w", id, err)
		}
		e.releaseJob(id)
		removed++
	}
	if removed > 0 {
		e.logger.Info("retention sweep removed terminal jobs", zap.Int("removed", removed))
	}
	return removed, nil
}

// releaseJob drops the per-job lock and retention bookkeeping once the record
// is deleted.
func (e *Engine) releaseJob(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, id)
	delete(e.finished, id)
}
