// Package emitter adapts stage-engine transitions onto the delivery channels:
// the scoped push stream, the subject broadcast bus, and the observability hub.
package emitter

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
	"github.com/JakeFAU/realtime-account-provisioner/internal/registry"
	"github.com/JakeFAU/realtime-account-provisioner/internal/stream"
)

// Adapter fans a single transition out to every channel. Emit is called
// synchronously by the engine while it holds the job's write lock, so the
// per-job transition order is preserved on both transports; no ordering is
// guaranteed across jobs or subjects.
type Adapter struct {
	streams *stream.Streams
	bus     registry.Bus
	hub     *progress.Hub
	logger  *zap.Logger
}

// New wires the adapter. hub may be nil when no observability sinks are
// configured.
func New(streams *stream.Streams, bus registry.Bus, hub *progress.Hub, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		streams: streams,
		bus:     bus,
		hub:     hub,
		logger:  logger,
	}
}

// Emit delivers one event on all channels. Invalid events are dropped here so
// transports only ever see well-formed records.
func (a *Adapter) Emit(evt progress.Event) {
	if err := evt.Validate(); err != nil {
		a.logger.Error("discarding invalid event", zap.Error(err))
		return
	}
	if a.streams != nil {
		a.streams.Deliver(evt)
	}
	if a.bus != nil {
		if err := a.bus.Publish(context.Background(), evt); err != nil {
			// A broadcast failure is local to the bus; the job and the push
			// stream are unaffected. Subscribers recover via snapshot reads.
			a.logger.Warn("broadcast publish failed",
				zap.String("subject", evt.Subject),
				zap.Error(err),
			)
		}
	}
	if a.hub != nil {
		a.hub.Emit(evt)
	}
}
