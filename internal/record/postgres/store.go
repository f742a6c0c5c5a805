// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageparity/pageparity/internal/record"
)

// querier is the subset of pgxpool.Pool the store uses, substitutable by
// pgxmock in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements record.Store on a pgx connection pool. Structured scan
// fields (check config, metadata, results) live in JSONB columns.
type Store struct {
	pool querier
}

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
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
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing). The schema is assumed to exist.
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			run_name TEXT NOT NULL,
			run_name_auto BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			total_scans INT NOT NULL DEFAULT 0,
			completed_scans INT NOT NULL DEFAULT 0,
			failed_scans INT NOT NULL DEFAULT 0,
			fetch_request JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS scans (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES runs(id),
			seq BIGSERIAL,
			url_old TEXT NOT NULL,
			url_new TEXT NOT NULL,
			parent_scan_id UUID,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			check_config JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			results JSONB,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS scans_run_id_idx ON scans (run_id, seq);
		CREATE INDEX IF NOT EXISTS scans_status_idx ON scans (status) WHERE NOT deleted;
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const runColumns = `id, type, run_name, run_name_auto, status, total_scans, completed_scans, failed_scans, fetch_request, created_at, completed_at`

const scanColumns = `id, run_id, url_old, url_new, parent_scan_id, deleted, status, check_config, metadata, results, error, created_at, started_at, completed_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run record.Run) error {
	fetchRequest, err := marshalNullable(run.FetchRequest)
	if err != nil {
		return fmt.Errorf("marshal fetch request: %w", err)
	}
	query := `
		INSERT INTO runs (id, type, run_name, run_name_auto, status,
			total_scans, completed_scans, failed_scans, fetch_request,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.Type, run.RunName, run.RunNameAuto, run.Status,
		run.TotalScans, run.CompletedScans, run.FailedScans, fetchRequest,
		run.CreatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run with its scan id history.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (record.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1;`, id)
	run, err := scanRun(row)
	if err != nil {
		return record.Run{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM scans WHERE run_id = $1 ORDER BY seq;`, id)
	if err != nil {
		return record.Run{}, fmt.Errorf("query run scan ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scanID uuid.UUID
		if err := rows.Scan(&scanID); err != nil {
			return record.Run{}, fmt.Errorf("scan run scan id: %w", err)
		}
		run.ScanIDs = append(run.ScanIDs, scanID)
	}
	if err := rows.Err(); err != nil {
		return record.Run{}, fmt.Errorf("iterate run scan ids: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first, without scan id histories.
func (s *Store) ListRuns(ctx context.Context) ([]record.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []record.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunStatus sets a run's status and completion timestamp.
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, status record.RunStatus, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3;`,
		status, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

// UpdateRunCounters overwrites a run's derived counters.
func (s *Store) UpdateRunCounters(ctx context.Context, id uuid.UUID, total, completed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET total_scans = $1, completed_scans = $2, failed_scans = $3 WHERE id = $4;`,
		total, completed, failed, id,
	)
	if err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

// UpdateRunName sets the display name and clears the auto flag.
func (s *Store) UpdateRunName(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET run_name = $1, run_name_auto = FALSE WHERE id = $2;`,
		name, id,
	)
	if err != nil {
		return fmt.Errorf("update run name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

// CreateScan persists a new scan.
func (s *Store) CreateScan(ctx context.Context, scan record.Scan) error {
	checkConfig, err := json.Marshal(scan.CheckConfig)
	if err != nil {
		return fmt.Errorf("marshal check config: %w", err)
	}
	metadata, err := json.Marshal(scan.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	results, err := marshalNullable(scan.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	query := `
		INSERT INTO scans (id, run_id, url_old, url_new, parent_scan_id,
			deleted, status, check_config, metadata, results, error,
			created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`
	_, err = s.pool.Exec(ctx, query,
		scan.ID, scan.RunID, scan.URLOld, scan.URLNew, scan.ParentScanID,
		scan.Deleted, scan.Status, checkConfig, metadata, results, scan.Error,
		scan.CreatedAt, scan.StartedAt, scan.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan loads one scan.
func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (record.Scan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1;`, id)
	return scanScan(row)
}

// ListScans returns a run's scans in creation order.
func (s *Store) ListScans(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]record.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE run_id = $1 ORDER BY seq;`
	if !includeDeleted {
		query = `SELECT ` + scanColumns + ` FROM scans WHERE run_id = $1 AND NOT deleted ORDER BY seq;`
	}
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

// MarkScanRunning transitions a scan to running.
func (s *Store) MarkScanRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scans SET status = $1, started_at = COALESCE(started_at, $2)
		WHERE id = $3 AND status NOT IN ('completed', 'failed');
	`
	return s.guardedExec(ctx, id, query, record.ScanRunning, at, id)
}

// MarkScanCompleted transitions a scan to completed.
func (s *Store) MarkScanCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scans SET status = $1, completed_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed');
	`
	return s.guardedExec(ctx, id, query, record.ScanCompleted, at, id)
}

// MarkScanFailed transitions a scan to failed with a message.
func (s *Store) MarkScanFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	query := `
		UPDATE scans SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ('completed', 'failed');
	`
	return s.guardedExec(ctx, id, query, record.ScanFailed, message, at, id)
}

// SetScanProbe stores the probe result and page metadata inside the scan's
// metadata document.
func (s *Store) SetScanProbe(ctx context.Context, id uuid.UUID, probe record.ProbeResult, oldMeta, newMeta *record.PageMeta) error {
	patch, err := json.Marshal(record.ScanMetadata{Probe: &probe, PageOld: oldMeta, PageNew: newMeta})
	if err != nil {
		return fmt.Errorf("marshal probe metadata: %w", err)
	}
	query := `
		UPDATE scans SET metadata = metadata || $1
		WHERE id = $2 AND status NOT IN ('completed', 'failed');
	`
	return s.guardedExec(ctx, id, query, patch, id)
}

// SetScanResults merges results into the scan's results document.
func (s *Store) SetScanResults(ctx context.Context, id uuid.UUID, results map[string]json.RawMessage) error {
	patch, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	query := `
		UPDATE scans SET results = COALESCE(results, '{}'::jsonb) || $1
		WHERE id = $2 AND status NOT IN ('completed', 'failed');
	`
	return s.guardedExec(ctx, id, query, patch, id)
}

// UpdateScan applies a PATCH-style edit, resetting pipeline state when the
// URLs or check config actually changed.
func (s *Store) UpdateScan(ctx context.Context, id uuid.UUID, update record.ScanUpdate) (bool, error) {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return false, err
	}

	changed := false
	if update.URLOld != nil && *update.URLOld != scan.URLOld {
		scan.URLOld = *update.URLOld
		changed = true
	}
	if update.URLNew != nil && *update.URLNew != scan.URLNew {
		scan.URLNew = *update.URLNew
		changed = true
	}
	if update.CheckConfig != nil && *update.CheckConfig != scan.CheckConfig {
		scan.CheckConfig = *update.CheckConfig
		changed = true
	}
	if !changed {
		return false, nil
	}

	checkConfig, err := json.Marshal(scan.CheckConfig)
	if err != nil {
		return false, fmt.Errorf("marshal check config: %w", err)
	}
	query := `
		UPDATE scans SET url_old = $1, url_new = $2, check_config = $3,
			status = $4, metadata = '{}'::jsonb, results = NULL, error = '',
			started_at = NULL, completed_at = NULL
		WHERE id = $5;
	`
	tag, err := s.pool.Exec(ctx, query, scan.URLOld, scan.URLNew, checkConfig, record.ScanPending, id)
	if err != nil {
		return false, fmt.Errorf("update scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, record.ErrNotFound
	}
	return true, nil
}

// SoftDeleteScans marks the given scans of a run deleted.
func (s *Store) SoftDeleteScans(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE scans SET deleted = TRUE WHERE run_id = $1 AND id = ANY($2);`,
		runID, ids,
	)
	if err != nil {
		return fmt.Errorf("soft delete scans: %w", err)
	}
	return nil
}

// ListUnfinishedScans returns all non-deleted pending/running scans.
func (s *Store) ListUnfinishedScans(ctx context.Context) ([]record.Scan, error) {
	query := `
		SELECT ` + scanColumns + ` FROM scans
		WHERE NOT deleted AND status IN ('pending', 'running')
		ORDER BY seq;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unfinished scans: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

// ListRunningRuns returns runs left in the running state.
func (s *Store) ListRunningRuns(ctx context.Context) ([]record.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = 'running' ORDER BY created_at;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []record.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// guardedExec runs a status-guarded scan update and maps a zero row count to
// ErrNotFound or ErrTerminal.
func (s *Store) guardedExec(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update scan %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status record.ScanStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1;`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check scan %s: %w", id, err)
	}
	return fmt.Errorf("scan %s: %w", id, record.ErrTerminal)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (record.Run, error) {
	var (
		run          record.Run
		fetchRequest []byte
	)
	err := row.Scan(
		&run.ID, &run.Type, &run.RunName, &run.RunNameAuto, &run.Status,
		&run.TotalScans, &run.CompletedScans, &run.FailedScans, &fetchRequest,
		&run.CreatedAt, &run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Run{}, record.ErrNotFound
	}
	if err != nil {
		return record.Run{}, fmt.Errorf("scan run row: %w", err)
	}
	if len(fetchRequest) > 0 {
		run.FetchRequest = &record.FetchRequest{}
		if err := json.Unmarshal(fetchRequest, run.FetchRequest); err != nil {
			return record.Run{}, fmt.Errorf("unmarshal fetch request: %w", err)
		}
	}
	return run, nil
}

func scanScan(row rowScanner) (record.Scan, error) {
	var (
		scan        record.Scan
		checkConfig []byte
		metadata    []byte
		results     []byte
	)
	err := row.Scan(
		&scan.ID, &scan.RunID, &scan.URLOld, &scan.URLNew, &scan.ParentScanID,
		&scan.Deleted, &scan.Status, &checkConfig, &metadata, &results,
		&scan.Error, &scan.CreatedAt, &scan.StartedAt, &scan.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Scan{}, record.ErrNotFound
	}
	if err != nil {
		return record.Scan{}, fmt.Errorf("scan scan row: %w", err)
	}
	if err := json.Unmarshal(checkConfig, &scan.CheckConfig); err != nil {
		return record.Scan{}, fmt.Errorf("unmarshal check config: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &scan.Metadata); err != nil {
			return record.Scan{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &scan.Results); err != nil {
			return record.Scan{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return scan, nil
}

func collectScans(rows pgx.Rows) ([]record.Scan, error) {
	var out []record.Scan
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *record.FetchRequest:
		if val == nil {
			return nil, nil
		}
	case map[string]json.RawMessage:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
