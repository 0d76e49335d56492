// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// SnapshotStoreConfig controls the Postgres connection pool.
type SnapshotStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// SnapshotStore serves idempotent subject snapshot reads and writes from
// Postgres. It is the storage-collaborator boundary: the reconciler and the
// poll fallback both read through it.
type SnapshotStore struct {
	pool querier
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore using the provided config.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &SnapshotStore{pool: pool}, nil
}

// NewSnapshotStoreWithPool wraps an existing pool; used by tests.
func NewSnapshotStoreWithPool(pool querier) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Close releases the underlying connection pool.
func (s *SnapshotStore) Close() {
	s.pool.Close()
}

// ReadSnapshot assembles the subject's current state from the core, metric,
// persona, and connectivity tables.
func (s *SnapshotStore) ReadSnapshot(ctx context.Context, subject string) (provision.Snapshot, error) {
	snap := provision.Snapshot{
		Subject: subject,
		Core:    make(map[string]provision.FieldValue),
		Metrics: make(map[string]provision.MetricValue),
	}

	exists := false
	if err := s.readCore(ctx, subject, &snap, &exists); err != nil {
		return provision.Snapshot{}, err
	}
	if err := s.readMetrics(ctx, subject, &snap, &exists); err != nil {
		return provision.Snapshot{}, err
	}
	if err := s.readPersonas(ctx, subject, &snap, &exists); err != nil {
		return provision.Snapshot{}, err
	}
	if err := s.readConnectivity(ctx, subject, &snap, &exists); err != nil {
		return provision.Snapshot{}, err
	}
	if !exists {
		return provision.Snapshot{}, provision.ErrSubjectNotFound
	}
	if risk, ok := snap.Metrics["risk_score"]; ok {
		snap.RiskScore = risk
	}
	return snap, nil
}

func (s *SnapshotStore) readCore(ctx context.Context, subject string, snap *provision.Snapshot, exists *bool) error {
	rows, err := s.pool.Query(ctx,
		`SELECT field, value, source_ts FROM subject_core WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("query subject core: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			field, value string
			ts           time.Time
		)
		if err := rows.Scan(&field, &value, &ts); err != nil {
			return fmt.Errorf("scan core row: %w", err)
		}
		snap.Core[field] = provision.FieldValue{Value: value, TS: ts}
		*exists = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate core rows: %w", err)
	}
	return nil
}

func (s *SnapshotStore) readMetrics(ctx context.Context, subject string, snap *provision.Snapshot, exists *bool) error {
	rows, err := s.pool.Query(ctx,
		`SELECT metric, value, source_ts FROM subject_metrics WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("query subject metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			metric string
			value  float64
			ts     time.Time
		)
		if err := rows.Scan(&metric, &value, &ts); err != nil {
			return fmt.Errorf("scan metric row: %w", err)
		}
		snap.Metrics[metric] = provision.MetricValue{Value: value, TS: ts}
		*exists = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate metric rows: %w", err)
	}
	return nil
}

func (s *SnapshotStore) readPersonas(ctx context.Context, subject string, snap *provision.Snapshot, exists *bool) error {
	rows, err := s.pool.Query(ctx,
		`SELECT persona_id, is_active, source_ts FROM subject_personas WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("query subject personas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p provision.Persona
		if err := rows.Scan(&p.ID, &p.IsActive, &p.TS); err != nil {
			return fmt.Errorf("scan persona row: %w", err)
		}
		snap.Personas = append(snap.Personas, p)
		*exists = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate persona rows: %w", err)
	}
	return nil
}

func (s *SnapshotStore) readConnectivity(ctx context.Context, subject string, snap *provision.Snapshot, exists *bool) error {
	var (
		reachable bool
		metaJSON  []byte
		ts        time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT reachable, meta, source_ts FROM subject_connectivity WHERE subject = $1`, subject).
		Scan(&reachable, &metaJSON, &ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("query subject connectivity: %w", err)
	}
	meta := map[string]string{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return fmt.Errorf("decode connectivity meta: %w", err)
		}
	}
	snap.Connectivity = provision.Connectivity{Reachable: reachable, Meta: meta, TS: ts}
	*exists = true
	return nil
}

// WriteSnapshot upserts every field of the snapshot. Each row keeps its own
// source timestamp so readers can reconcile by recency.
func (s *SnapshotStore) WriteSnapshot(ctx context.Context, snap provision.Snapshot) error {
	for field, fv := range snap.Core {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO subject_core (subject, field, value, source_ts)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (subject, field) DO UPDATE
			 SET value = EXCLUDED.value, source_ts = EXCLUDED.source_ts
			 WHERE subject_core.source_ts <= EXCLUDED.source_ts`,
			snap.Subject, field, fv.Value, fv.TS)
		if err != nil {
			return fmt.Errorf("upsert core field %q: %w", field, err)
		}
	}
	for metric, mv := range snap.Metrics {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO subject_metrics (subject, metric, value, source_ts)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (subject, metric) DO UPDATE
			 SET value = EXCLUDED.value, source_ts = EXCLUDED.source_ts
			 WHERE subject_metrics.source_ts <= EXCLUDED.source_ts`,
			snap.Subject, metric, mv.Value, mv.TS)
		if err != nil {
			return fmt.Errorf("upsert metric %q: %w", metric, err)
		}
	}
	for _, p := range snap.Personas {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO subject_personas (subject, persona_id, is_active, source_ts)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (subject, persona_id) DO UPDATE
			 SET is_active = EXCLUDED.is_active, source_ts = EXCLUDED.source_ts
			 WHERE subject_personas.source_ts <= EXCLUDED.source_ts`,
			snap.Subject, p.ID, p.IsActive, p.TS)
		if err != nil {
			return fmt.Errorf("upsert persona %q: %w", p.ID, err)
		}
	}
	if !snap.Connectivity.TS.IsZero() {
		metaJSON, err := json.Marshal(snap.Connectivity.Meta)
		if err != nil {
			return fmt.Errorf("encode connectivity meta: %w", err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO subject_connectivity (subject, reachable, meta, source_ts)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (subject) DO UPDATE
			 SET reachable = EXCLUDED.reachable, meta = EXCLUDED.meta, source_ts = EXCLUDED.source_ts
			 WHERE subject_connectivity.source_ts <= EXCLUDED.source_ts`,
			snap.Subject, snap.Connectivity.Reachable, metaJSON, snap.Connectivity.TS)
		if err != nil {
			return fmt.Errorf("upsert connectivity: %w", err)
		}
	}
	return nil
}
