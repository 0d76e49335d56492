// Package main hosts the account provisioning service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission,
//     and the two event surfaces. Submitting with ?watch=1 holds the request
//     open as the job's scoped push stream; every watcher of the subject can
//     follow the same transitions on the broadcast endpoint.
//   - Stage engine: internal/engine validates every transition against the
//     fixed stage sequence and is the single writer of job records. Each
//     accepted transition produces exactly one immutable event.
//   - Delivery: internal/emitter fans each event out to the per-job push
//     stream, the subject broadcast bus (in-memory or Redis), and the
//     batching hub feeding the log, Prometheus, risk, and Pub/Sub sinks.
//   - Reconciliation: internal/reconcile merges snapshot reads, broadcast
//     events, and poll results into per-subject state using per-field source
//     timestamps; internal/poller re-reads snapshots and probes proxy health
//     on a fixed interval so non-event-driven state converges too.
//   - Persistence: job records live in memory; subject snapshots come from
//     Postgres (or the in-memory store when no DSN is configured); oversized
//     result payloads are offloaded to GCS.
//
// Operational notes:
//   - Shutdown is coordinated by signal context: the HTTP server drains
//     first, then the event hub flushes its remaining batches.
//   - Broadcast carries no replay. A subscriber that falls behind is evicted
//     and expected to reconnect and reseed from a snapshot read; the
//     reconciler's recency gate makes the reseed converge.
//   - Configure via PROVISIONER_* env vars or a config file, e.g.
//     PROVISIONER_SERVER_PORT, PROVISIONER_DB_DSN, PROVISIONER_REDIS_ENABLED,
//     PROVISIONER_POLL_PROBE_URL.
//   - Run locally: go run ./cmd/provisioner -config config.yaml (or rely
//     solely on env overrides).
package main
