package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pageparity/pageparity/internal/record"
)

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1760000000, 0).UTC()
	run := record.Run{
		ID:        uuid.New(),
		Type:      record.RunTypeFetch,
		RunName:   "fetch nl",
		Status:    record.RunPending,
		CreatedAt: now,
		FetchRequest: &record.FetchRequest{
			CountryCode:  "nl",
			BusinessUnit: "consumer",
		},
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(
			run.ID, run.Type, run.RunName, run.RunNameAuto, run.Status,
			0, 0, 0,
			[]byte(`{"countryCode":"nl","businessUnit":"consumer"}`),
			run.CreatedAt, run.CompletedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScanFailedGuardsTerminalState(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	at := time.Unix(1760000000, 0).UTC()

	mock.ExpectExec("UPDATE scans SET status").
		WithArgs(record.ScanFailed, "probe aborted", at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM scans").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(record.ScanCompleted))

	err = store.MarkScanFailed(context.Background(), id, "probe aborted", at)
	require.ErrorIs(t, err, record.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScanRunningUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	at := time.Unix(1760000000, 0).UTC()

	mock.ExpectExec("UPDATE scans SET status").
		WithArgs(record.ScanRunning, at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkScanRunning(context.Background(), id, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM scans WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.GetScan(context.Background(), id)
	require.ErrorIs(t, err, record.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
