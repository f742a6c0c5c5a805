// Package memory provides an in-memory record store for development and
// tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageparity/pageparity/internal/record"
)

// Store implements record.Store with mutex-guarded maps.
type Store struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]record.Run
	scans map[uuid.UUID]record.Scan
	// scanSeq preserves creation order for per-run reads.
	scanSeq []uuid.UUID
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:  make(map[uuid.UUID]record.Run),
		scans: make(map[uuid.UUID]record.Scan),
	}
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run record.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return record.Run{}, record.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(_ context.Context) ([]record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateRunStatus sets a run's status and completion timestamp.
func (s *Store) UpdateRunStatus(_ context.Context, id uuid.UUID, status record.RunStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return record.ErrNotFound
	}
	run.Status = status
	run.CompletedAt = cloneTime(completedAt)
	s.runs[id] = run
	return nil
}

// UpdateRunCounters overwrites a run's derived counters.
func (s *Store) UpdateRunCounters(_ context.Context, id uuid.UUID, total, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return record.ErrNotFound
	}
	run.TotalScans = total
	run.CompletedScans = completed
	run.FailedScans = failed
	s.runs[id] = run
	return nil
}

// UpdateRunName sets the display name and clears the auto flag.
func (s *Store) UpdateRunName(_ context.Context, id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return record.ErrNotFound
	}
	run.RunName = name
	run.RunNameAuto = false
	s.runs[id] = run
	return nil
}

// CreateScan stores a new scan and appends it to the owning run's history.
func (s *Store) CreateScan(_ context.Context, scan record.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[scan.RunID]
	if !ok {
		return record.ErrNotFound
	}
	if _, exists := s.scans[scan.ID]; exists {
		return fmt.Errorf("scan %s already exists", scan.ID)
	}
	s.scans[scan.ID] = cloneScan(scan)
	s.scanSeq = append(s.scanSeq, scan.ID)
	run.ScanIDs = append(run.ScanIDs, scan.ID)
	s.runs[scan.RunID] = run
	return nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(_ context.Context, id uuid.UUID) (record.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[id]
	if !ok {
		return record.Scan{}, record.ErrNotFound
	}
	return cloneScan(scan), nil
}

// ListScans returns a run's scans in creation order.
func (s *Store) ListScans(_ context.Context, runID uuid.UUID, includeDeleted bool) ([]record.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, record.ErrNotFound
	}
	var out []record.Scan
	for _, id := range s.scanSeq {
		scan := s.scans[id]
		if scan.RunID != runID {
			continue
		}
		if scan.Deleted && !includeDeleted {
			continue
		}
		out = append(out, cloneScan(scan))
	}
	return out, nil
}

// MarkScanRunning transitions a scan to running.
func (s *Store) MarkScanRunning(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.transition(id, func(scan *record.Scan) {
		scan.Status = record.ScanRunning
		if scan.StartedAt == nil {
			scan.StartedAt = cloneTime(&at)
		}
	})
}

// MarkScanCompleted transitions a scan to completed.
func (s *Store) MarkScanCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.transition(id, func(scan *record.Scan) {
		scan.Status = record.ScanCompleted
		scan.CompletedAt = cloneTime(&at)
	})
}

// MarkScanFailed transitions a scan to failed with a message.
func (s *Store) MarkScanFailed(_ context.Context, id uuid.UUID, message string, at time.Time) error {
	return s.transition(id, func(scan *record.Scan) {
		scan.Status = record.ScanFailed
		scan.Error = message
		scan.CompletedAt = cloneTime(&at)
	})
}

// SetScanProbe stores the probe result and page metadata.
func (s *Store) SetScanProbe(_ context.Context, id uuid.UUID, probe record.ProbeResult, oldMeta, newMeta *record.PageMeta) error {
	return s.transition(id, func(scan *record.Scan) {
		p := probe
		scan.Metadata.Probe = &p
		scan.Metadata.PageOld = oldMeta
		scan.Metadata.PageNew = newMeta
	})
}

// SetScanResults merges results into the scan's result map.
func (s *Store) SetScanResults(_ context.Context, id uuid.UUID, results map[string]json.RawMessage) error {
	return s.transition(id, func(scan *record.Scan) {
		if scan.Results == nil {
			scan.Results = make(map[string]json.RawMessage, len(results))
		}
		for key, payload := range results {
			scan.Results[key] = append(json.RawMessage(nil), payload...)
		}
	})
}

// UpdateScan applies a PATCH-style edit, resetting the scan to pending when
// the URLs or check config actually changed.
func (s *Store) UpdateScan(_ context.Context, id uuid.UUID, update record.ScanUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return false, record.ErrNotFound
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

	scan.Status = record.ScanPending
	scan.Metadata.Probe = nil
	scan.Metadata.PageOld = nil
	scan.Metadata.PageNew = nil
	scan.Results = nil
	scan.Error = ""
	scan.StartedAt = nil
	scan.CompletedAt = nil
	s.scans[id] = scan
	return true, nil
}

// SoftDeleteScans marks the given scans of a run deleted.
func (s *Store) SoftDeleteScans(_ context.Context, runID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		scan, ok := s.scans[id]
		if !ok || scan.RunID != runID {
			continue
		}
		scan.Deleted = true
		s.scans[id] = scan
	}
	return nil
}

// ListUnfinishedScans returns all non-deleted pending/running scans.
func (s *Store) ListUnfinishedScans(_ context.Context) ([]record.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []record.Scan
	for _, id := range s.scanSeq {
		scan := s.scans[id]
		if scan.Deleted || scan.Status.Terminal() {
			continue
		}
		out = append(out, cloneScan(scan))
	}
	return out, nil
}

// ListRunningRuns returns runs left in the running state.
func (s *Store) ListRunningRuns(_ context.Context) ([]record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []record.Run
	for _, run := range s.runs {
		if run.Status == record.RunRunning {
			out = append(out, cloneRun(run))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// transition applies a mutation to a non-terminal scan under the write lock.
func (s *Store) transition(id uuid.UUID, mutate func(*record.Scan)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return record.ErrNotFound
	}
	if scan.Status.Terminal() {
		return fmt.Errorf("scan %s: %w", id, record.ErrTerminal)
	}
	mutate(&scan)
	s.scans[id] = scan
	return nil
}

func cloneRun(run record.Run) record.Run {
	run.ScanIDs = append([]uuid.UUID(nil), run.ScanIDs...)
	run.CompletedAt = cloneTime(run.CompletedAt)
	if run.FetchRequest != nil {
		fr := *run.FetchRequest
		fr.Locales = append([]string(nil), fr.Locales...)
		fr.BUCombined = append([]string(nil), fr.BUCombined...)
		run.FetchRequest = &fr
	}
	return run
}

func cloneScan(scan record.Scan) record.Scan {
	scan.StartedAt = cloneTime(scan.StartedAt)
	scan.CompletedAt = cloneTime(scan.CompletedAt)
	if scan.Metadata.Probe != nil {
		p := *scan.Metadata.Probe
		scan.Metadata.Probe = &p
	}
	if scan.Metadata.PageOld != nil {
		m := *scan.Metadata.PageOld
		scan.Metadata.PageOld = &m
	}
	if scan.Metadata.PageNew != nil {
		m := *scan.Metadata.PageNew
		scan.Metadata.PageNew = &m
	}
	if scan.Metadata.Row != nil {
		row := make(map[string]string, len(scan.Metadata.Row))
		for k, v := range scan.Metadata.Row {
			row[k] = v
		}
		scan.Metadata.Row = row
	}
	if scan.Results != nil {
		results := make(map[string]json.RawMessage, len(scan.Results))
		for k, v := range scan.Results {
			results[k] = append(json.RawMessage(nil), v...)
		}
		scan.Results = results
	}
	return scan
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
