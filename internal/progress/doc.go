// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to report provisioning progress. Transports receive events
// synchronously from the emitter; the hub batches the same events on a
// background goroutine for pluggable observability sinks such as Prometheus
// metrics, structured logs, or an external Pub/Sub mirror.
package progress
