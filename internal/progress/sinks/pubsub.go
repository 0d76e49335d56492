package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// PublisherSink mirrors broadcast events to an external publisher (Cloud
// Pub/Sub in production) so off-process consumers can follow subject activity
// without holding a connection to this service. Publish failures are logged
// and do not fail the batch: the mirror is best-effort by contract.
type PublisherSink struct {
	publisher provision.Publisher
	logger    *zap.Logger
}

// NewPublisherSink wires the publisher and logger.
func NewPublisherSink(publisher provision.Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, logger: logger}
}

// Consume publishes every event in the batch under its topic name.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return fmt.Errorf("publisher is not configured")
	}
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, evt.Topic(), evt); err != nil {
			s.logger.Warn("mirror publish failed",
				zap.String("topic", evt.Topic()),
				zap.String("subject", evt.Subject),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
