package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run or scan does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTerminal signals a forbidden write to a completed or failed scan.
// Terminal scans are immutable except for the soft-delete flag.
var ErrTerminal = errors.New("scan is terminal")

// ScanUpdate carries the mutable fields of a PATCH-style scan edit. Nil
// fields are left unchanged.
type ScanUpdate struct {
	URLOld      *string
	URLNew      *string
	CheckConfig *CheckConfig
}

// Store is the single source of truth for runs and scans. Every status
// transition and result write goes through it.
type Store interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run Run) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]Run, error)
	// UpdateRunStatus sets the run status; a nil completedAt clears the
	// completion timestamp (used when a run is reopened).
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, completedAt *time.Time) error
	// UpdateRunCounters overwrites the derived counters.
	UpdateRunCounters(ctx context.Context, id uuid.UUID, total, completed, failed int) error
	// UpdateRunName sets the display name and clears the auto flag.
	UpdateRunName(ctx context.Context, id uuid.UUID, name string) error

	// CreateScan persists a new scan and appends its id to the owning run's
	// history.
	CreateScan(ctx context.Context, scan Scan) error
	// GetScan loads one scan or returns ErrNotFound.
	GetScan(ctx context.Context, id uuid.UUID) (Scan, error)
	// ListScans returns a run's scans in creation order, skipping
	// soft-deleted ones unless includeDeleted is set.
	ListScans(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]Scan, error)

	// MarkScanRunning transitions a scan to running and stamps StartedAt on
	// the first transition. Returns ErrTerminal for completed/failed scans.
	MarkScanRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkScanCompleted transitions a scan to completed and stamps
	// CompletedAt. Returns ErrTerminal if the scan is already terminal.
	MarkScanCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkScanFailed transitions a scan to failed with a message and stamps
	// CompletedAt. Returns ErrTerminal if the scan is already terminal.
	MarkScanFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error

	// SetScanProbe stores the Phase-1 probe result and page metadata.
	SetScanProbe(ctx context.Context, id uuid.UUID, probe ProbeResult, oldMeta, newMeta *PageMeta) error
	// SetScanResults merges the given results into the scan's result map,
	// overwriting per key.
	SetScanResults(ctx context.Context, id uuid.UUID, results map[string]json.RawMessage) error
	// UpdateScan applies a PATCH-style edit and, when urls or config
	// actually changed, resets the scan to pending with cleared probe
	// metadata and results so it re-enters the pipeline from Phase 1.
	// It reports whether a reset happened.
	UpdateScan(ctx context.Context, id uuid.UUID, update ScanUpdate) (changed bool, err error)

	// SoftDeleteScans marks the given scans of a run deleted. Unknown ids
	// are ignored.
	SoftDeleteScans(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) error

	// ListUnfinishedScans returns every non-deleted pending/running scan
	// across all runs, for crash recovery.
	ListUnfinishedScans(ctx context.Context) ([]Scan, error)
	// ListRunningRuns returns runs left in the running state.
	ListRunningRuns(ctx context.Context) ([]Run, error)
}
