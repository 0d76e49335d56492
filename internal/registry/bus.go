package registry

import (
	"context"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

// Bus carries broadcast events between processes. The emitter publishes to the
// bus; a forwarder on each process pushes received events into the local
// Registry. The in-memory implementation short-circuits both for single-node
// deployments and tests.
type Bus interface {
	Publish(ctx context.Context, evt progress.Event) error
	StartForwarder(ctx context.Context, onEvent func(progress.Event)) error
	Close() error
}

// MemoryBus delivers events synchronously to the registered forwarder.
type MemoryBus struct {
	onEvent func(progress.Event)
}

// NewMemoryBus constructs a MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish hands the event straight to the forwarder, preserving publish order.
func (b *MemoryBus) Publish(_ context.Context, evt progress.Event) error {
	if b.onEvent != nil {
		b.onEvent(evt)
	}
	return nil
}

// StartForwarder records the callback; there is no goroutine to start.
func (b *MemoryBus) StartForwarder(_ context.Context, onEvent func(progress.Event)) error {
	b.onEvent = onEvent
	return nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	return nil
}
