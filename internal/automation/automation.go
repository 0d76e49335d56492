// Package automation is the collaborator boundary: the component that
// performs the actual provisioning work and reports progress back through
// the stage engine.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// Driver is the slice of the stage engine the collaborator reports through.
type Driver interface {
	Advance(ctx context.Context, id uuid.UUID, next provision.Stage, message string, pct int) error
	Complete(ctx context.Context, id uuid.UUID, message string, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, class provision.FailureClass, message string) error
}

// Automator runs the provisioning work for one submitted job.
type Automator interface {
	Run(ctx context.Context, jobID uuid.UUID, req provision.SubmitRequest) error
}

// Step is one scripted unit of work: advance to Stage with Message and
// Progress after Delay. Do, when set, performs the work and its error fails
// the job.
type Step struct {
	Stage    provision.Stage
	Message  string
	Progress int
	Delay    time.Duration
	Do       func(ctx context.Context, req provision.SubmitRequest) error
}

// DefaultScript is the standard provisioning sequence.
func DefaultScript() []Step {
	return []Step{
		{Stage: provision.StageProvisioningPrimary, Message: "creating primary account", Progress: 10},
		{Stage: provision.StageProvisioningSecond, Message: "creating secondary account", Progress: 30},
		{Stage: provision.StageVerifying, Message: "verifying accounts", Progress: 55},
		{Stage: provision.StageFinalizing, Message: "linking and finalizing", Progress: 80},
		{Stage: provision.StageFinalizing, Message: "finalizing", Progress: 95},
	}
}

// Scripted drives a job through a fixed script. It is the in-process
// automator used for development and tests; a production deployment swaps in
// an Automator backed by the real provisioning workers.
type Scripted struct {
	driver Driver
	steps  []Step
	result func(req provision.SubmitRequest) json.RawMessage
	logger *zap.Logger
}

// NewScripted constructs a Scripted automator. steps defaults to
// DefaultScript; result may be nil for jobs without a completion payload.
func NewScripted(
	driver Driver,
	steps []Step,
	result func(req provision.SubmitRequest) json.RawMessage,
	logger *zap.Logger,
) *Scripted {
	if steps == nil {
		steps = DefaultScript()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scripted{driver: driver, steps: steps, result: result, logger: logger}
}

// Run executes the script. A step error fails the job as a collaborator
// failure; cancellation fails it as canceled. Run never advances a job it
// has already failed.
func (s *Scripted) Run(ctx context.Context, jobID uuid.UUID, req provision.SubmitRequest) error {
	for _, step := range s.steps {
		if err := s.pause(ctx, step.Delay); err != nil {
			return s.fail(jobID, provision.FailureCanceled, "provisioning canceled")
		}
		if step.Do != nil {
			if err := step.Do(ctx, req); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return s.fail(jobID, provision.FailureCanceled, "provisioning canceled")
				}
				s.logger.Warn("provisioning step failed",
					zap.String("job_id", jobID.String()),
					zap.String("stage", string(step.Stage)),
					zap.Error(err),
				)
				return s.fail(jobID, provision.FailureCollaborator, err.Error())
			}
		}
		if err := s.driver.Advance(ctx, jobID, step.Stage, step.Message, step.Progress); err != nil {
			return s.fail(jobID, provision.FailureCollaborator, err.Error())
		}
	}

	var payload json.RawMessage
	if s.result != nil {
		payload = s.result(req)
	}
	if err := s.driver.Complete(ctx, jobID, "provisioning complete", payload); err != nil {
		return s.fail(jobID, provision.FailureCollaborator, err.Error())
	}
	return nil
}

func (s *Scripted) fail(jobID uuid.UUID, class provision.FailureClass, message string) error {
	// Use a fresh context so a canceled job still records its failure.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.driver.Fail(ctx, jobID, class, message); err != nil {
		s.logger.Error("recording job failure",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Scripted) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
