package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
	"github.com/JakeFAU/realtime-account-provisioner/internal/registry"
)

// Status is the subscriber connection state surfaced to consumers.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// SubscriberConfig controls the reconnect policy.
type SubscriberConfig struct {
	// ReconnectDelay is the fixed wait between reconnect attempts
	// (default 2s).
	ReconnectDelay time.Duration
	// MaxReconnects caps consecutive reconnect attempts before the
	// subscriber gives up and reports StatusDisconnected (default 5).
	MaxReconnects int
	Logger        *zap.Logger
}

const (
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 5
)

// Subscriber keeps one subject's reconciler fed from the broadcast registry.
// It seeds from a snapshot read at subscription time and again after every
// reconnect, since the registry never replays missed events.
type Subscriber struct {
	subject   string
	reg       *registry.Registry
	snapshots provision.SnapshotReader
	rec       *Reconciler
	cfg       SubscriberConfig
	logger    *zap.Logger

	status atomic.Value
}

// NewSubscriber constructs a Subscriber feeding rec.
func NewSubscriber(
	subject string,
	reg *registry.Registry,
	snapshots provision.SnapshotReader,
	rec *Reconciler,
	cfg SubscriberConfig,
) *Subscriber {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		subject:   subject,
		reg:       reg,
		snapshots: snapshots,
		rec:       rec,
		cfg:       cfg,
		logger:    logger,
	}
	s.status.Store(StatusDisconnected)
	return s
}

// Status reports the current connection state.
func (s *Subscriber) Status() Status {
	return s.status.Load().(Status)
}

// State returns the current merged subject view.
func (s *Subscriber) State() State {
	return s.rec.CurrentState()
}

// Run subscribes and consumes broadcast events until ctx is canceled or the
// reconnect cap is exceeded. A subscription lost to eviction is retried with
// a fixed delay; each successful reconnect reseeds the reconciler from a
// fresh snapshot so the subscriber converges to the same state as one that
// stayed connected. Exceeding the cap returns ErrTransportDisconnected.
func (s *Subscriber) Run(ctx context.Context) error {
	attempts := 0
	for {
		delivered, err := s.consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.status.Store(StatusStopped)
				return err
			}
			s.logger.Warn("snapshot seed failed",
				zap.String("subject", s.subject),
				zap.Error(err),
			)
		}
		if delivered {
			attempts = 0
		}

		// Subscription lost to eviction or the seed read failed.
		attempts++
		if attempts > s.cfg.MaxReconnects {
			s.status.Store(StatusDisconnected)
			return fmt.Errorf("%w: subject %s after %d attempts",
				provision.ErrTransportDisconnected, s.subject, attempts-1)
		}
		s.logger.Warn("subscription lost, reconnecting",
			zap.String("subject", s.subject),
			zap.Int("attempt", attempts),
		)
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// seed reseeds the reconciler from a snapshot. A missing subject is not an
// error: the subject simply has no recorded state yet.
func (s *Subscriber) seed(ctx context.Context) error {
	snap, err := s.snapshots.ReadSnapshot(ctx, s.subject)
	if err != nil {
		if errors.Is(err, provision.ErrSubjectNotFound) {
			s.rec.Seed(provision.Snapshot{Subject: s.subject})
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	s.rec.Seed(snap)
	return nil
}

// consume subscribes, seeds, and drains events until the subscription is
// closed or ctx is canceled. Subscribing before the seed read means events
// arriving during the read buffer in the channel; the recency gate discards
// any the snapshot already covered. It reports whether at least one event
// was delivered on this subscription.
func (s *Subscriber) consume(ctx context.Context) (bool, error) {
	sub := s.reg.Subscribe(s.subject)
	defer sub.Unsubscribe()

	if err := s.seed(ctx); err != nil {
		return false, err
	}
	s.status.Store(StatusConnected)

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return delivered, nil
			}
			delivered = true
			s.rec.Apply(evt)
		}
	}
}

func (s *Subscriber) wait(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.status.Store(StatusStopped)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
