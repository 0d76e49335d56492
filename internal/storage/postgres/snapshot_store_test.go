package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

func TestReadSnapshotAssemblesSubject(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSnapshotStoreWithPool(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT field, value, source_ts FROM subject_core").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"field", "value", "source_ts"}).
			AddRow("email", "a@example.com", now))
	mock.ExpectQuery("SELECT metric, value, source_ts FROM subject_metrics").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"metric", "value", "source_ts"}).
			AddRow("risk_score", 0.42, now))
	mock.ExpectQuery("SELECT persona_id, is_active, source_ts FROM subject_personas").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"persona_id", "is_active", "source_ts"}).
			AddRow("persona-a", true, now).
			AddRow("persona-b", false, now))
	mock.ExpectQuery("SELECT reachable, meta, source_ts FROM subject_connectivity").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"reachable", "meta", "source_ts"}).
			AddRow(true, []byte(`{"exit_ip":"10.1.2.3"}`), now))

	snap, err := store.ReadSnapshot(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", snap.Core["email"].Value)
	require.InDelta(t, 0.42, snap.RiskScore.Value, 0.001)
	require.Len(t, snap.Personas, 2)
	require.True(t, snap.Connectivity.Reachable)
	require.Equal(t, "10.1.2.3", snap.Connectivity.Meta["exit_ip"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSnapshotUnknownSubject(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSnapshotStoreWithPool(mock)

	mock.ExpectQuery("SELECT field, value, source_ts FROM subject_core").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"field", "value", "source_ts"}))
	mock.ExpectQuery("SELECT metric, value, source_ts FROM subject_metrics").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"metric", "value", "source_ts"}))
	mock.ExpectQuery("SELECT persona_id, is_active, source_ts FROM subject_personas").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"persona_id", "is_active", "source_ts"}))
	mock.ExpectQuery("SELECT reachable, meta, source_ts FROM subject_connectivity").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"reachable", "meta", "source_ts"}))

	_, err = store.ReadSnapshot(context.Background(), "ghost")
	require.ErrorIs(t, err, provision.ErrSubjectNotFound)
}

func TestWriteSnapshotUpsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSnapshotStoreWithPool(mock)
	now := time.Unix(1700000000, 0).UTC()

	snap := provision.Snapshot{
		Subject: "acct-1",
		Metrics: map[string]provision.MetricValue{
			"risk_score": {Value: 0.55, TS: now},
		},
		Personas: []provision.Persona{
			{ID: "persona-a", IsActive: true, TS: now},
		},
		Connectivity: provision.Connectivity{
			Reachable: true,
			Meta:      map[string]string{"exit_ip": "10.1.2.3"},
			TS:        now,
		},
	}

	mock.ExpectExec("INSERT INTO subject_metrics").
		WithArgs("acct-1", "risk_score", 0.55, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO subject_personas").
		WithArgs("acct-1", "persona-a", true, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO subject_connectivity").
		WithArgs("acct-1", true, []byte(`{"exit_ip":"10.1.2.3"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.WriteSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}
