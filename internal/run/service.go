// Package run owns run-level orchestration: creating runs from single
// pairs, CSV uploads, or dashboard fetches, coordinating the two pipeline
// phases across the worker queues, and finalizing runs when their latest
// scan generation settles.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/csvsource"
	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/metrics"
	"github.com/pageparity/pageparity/internal/pipeline"
	"github.com/pageparity/pageparity/internal/queue"
	"github.com/pageparity/pageparity/internal/record"
)

// Notifier is told when a run fully completes. Implementations live in
// internal/notify; a nil notifier disables the hook.
type Notifier interface {
	RunCompleted(ctx context.Context, run record.Run) error
}

// RowSource fetches inventory rows for fetch-type runs.
type RowSource interface {
	Fetch(ctx context.Context, req record.FetchRequest) ([]csvsource.Row, error)
}

// ScanRunner executes one scan phase. *pipeline.Pipeline is the production
// implementation.
type ScanRunner interface {
	RunPhase1(ctx context.Context, scanID uuid.UUID) error
	RunPhase2(ctx context.Context, scanID uuid.UUID) error
}

// Service coordinates runs. Coordination itself executes on the run queue,
// whose concurrency of one serializes runs; the per-scan work fans out to
// the fast (probe) and slow (heavy check) queues.
type Service struct {
	store       record.Store
	pipe        ScanRunner
	broadcaster *events.Broadcaster
	runQueue    *queue.Queue
	fastQueue   *queue.Queue
	slowQueue   *queue.Queue
	source      RowSource
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
}

// Config wires a Service.
type Config struct {
	Store       record.Store
	Pipeline    ScanRunner
	Broadcaster *events.Broadcaster
	RunQueue    *queue.Queue
	FastQueue   *queue.Queue
	SlowQueue   *queue.Queue
	Source      RowSource
	Notifier    Notifier
	Logger      *zap.Logger
}

// NewService builds the coordinator.
func NewService(cfg Config) *Service {
	metrics.Init()
	return &Service{
		store:       cfg.Store,
		pipe:        cfg.Pipeline,
		broadcaster: cfg.Broadcaster,
		runQueue:    cfg.RunQueue,
		fastQueue:   cfg.FastQueue,
		slowQueue:   cfg.SlowQueue,
		source:      cfg.Source,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// ScanRequest is one URL pair to compare.
type ScanRequest struct {
	URLOld      string
	URLNew      string
	CheckConfig *record.CheckConfig
}

// SingleRequest creates a one-pair run.
type SingleRequest struct {
	URLOld      string
	URLNew      string
	RunName     string
	CheckConfig *record.CheckConfig
}

// SkippedRow reports one inventory row that produced no scan.
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// BulkReport summarizes row intake for bulk and fetch runs.
type BulkReport struct {
	TotalRows  int          `json:"totalRows"`
	ValidScans int          `json:"validScans"`
	Skipped    []SkippedRow `json:"skipped,omitempty"`
}

// rowStart is broadcast once per created scan. RowIndex mirrors the scan
// id so dashboard rows key on it before any pipeline event arrives.
type rowStart struct {
	ScanID   uuid.UUID         `json:"scanId"`
	RowIndex string            `json:"rowIndex"`
	URLs     pipeline.RowURLs  `json:"urls"`
	Status   record.ScanStatus `json:"status"`
}

// runComplete is broadcast when a run's latest generation settles.
type runComplete struct {
	RunID          uuid.UUID        `json:"runId"`
	Status         record.RunStatus `json:"status"`
	TotalScans     int              `json:"totalScans"`
	CompletedScans int              `json:"completedScans"`
	FailedScans    int              `json:"failedScans"`
}

// CreateSingle creates and schedules a run comparing one URL pair.
func (s *Service) CreateSingle(ctx context.Context, req SingleRequest) (record.Run, error) {
	if err := validatePair(req.URLOld, req.URLNew); err != nil {
		return record.Run{}, err
	}
	run := s.newRun(record.RunTypeSingle, req.RunName, nil)
	run.TotalScans = 1
	if err := s.store.CreateRun(ctx, run); err != nil {
		return record.Run{}, fmt.Errorf("create run: %w", err)
	}
	if err := s.createScan(ctx, run.ID, ScanRequest{
		URLOld:      req.URLOld,
		URLNew:      req.URLNew,
		CheckConfig: req.CheckConfig,
	}, nil); err != nil {
		return record.Run{}, err
	}
	s.Schedule(run.ID)
	return run, nil
}

// CreateBulk creates a run from uploaded inventory rows. Rows without a
// page path or without two valid https URLs are skipped, not fatal; a
// file yielding zero scans is an error.
func (s *Service) CreateBulk(ctx context.Context, runName string, rows []csvsource.Row) (record.Run, BulkReport, error) {
	requests, report := screenRows(rows)
	if len(requests) == 0 {
		return record.Run{}, report, fmt.Errorf("no usable rows: %d of %d skipped", len(report.Skipped), report.TotalRows)
	}
	run := s.newRun(record.RunTypeBulk, runName, nil)
	run.TotalScans = len(requests)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return record.Run{}, report, fmt.Errorf("create run: %w", err)
	}
	for _, req := range requests {
		if err := s.createScan(ctx, run.ID, req, nil); err != nil {
			return record.Run{}, report, err
		}
	}
	s.Schedule(run.ID)
	return run, report, nil
}

// CreateFetch pulls inventory rows from the dashboard and creates a run
// from them. The fetch parameters are persisted on the run so it can be
// re-fetched later.
func (s *Service) CreateFetch(ctx context.Context, req record.FetchRequest, runName string) (record.Run, BulkReport, error) {
	if s.source == nil {
		return record.Run{}, BulkReport{}, fmt.Errorf("no inventory source configured")
	}
	if len(req.BUCombined) == 0 {
		req.BUCombined = []string{req.CountryCode + "-" + req.BusinessUnit}
	}
	rows, err := s.source.Fetch(ctx, req)
	if err != nil {
		return record.Run{}, BulkReport{}, fmt.Errorf("fetch inventory: %w", err)
	}
	buLabel := strings.Join(req.BUCombined, ",")
	if runName == "" {
		runName = fmt.Sprintf("%s %s", buLabel, s.now().Format("2006-01-02"))
	}
	requests, report := screenRows(rows)
	if len(requests) == 0 {
		return record.Run{}, report, fmt.Errorf("inventory for %s yielded no usable rows", buLabel)
	}
	run := s.newRun(record.RunTypeFetch, runName, &req)
	run.TotalScans = len(requests)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return record.Run{}, report, fmt.Errorf("create run: %w", err)
	}
	for _, sr := range requests {
		if err := s.createScan(ctx, run.ID, sr, nil); err != nil {
			return record.Run{}, report, err
		}
	}
	s.Schedule(run.ID)
	return run, report, nil
}

// Rescan creates a fresh generation for the named scans and reopens the
// run. The new scans carry the originals' URLs and check config and point
// back at them through ParentScanID.
func (s *Service) Rescan(ctx context.Context, runID uuid.UUID, scanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(scanIDs) == 0 {
		return nil, fmt.Errorf("no scan ids given")
	}
	created := make([]uuid.UUID, 0, len(scanIDs))
	for _, id := range scanIDs {
		scan, err := s.store.GetScan(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load scan %s: %w", id, err)
		}
		if scan.RunID != runID {
			return nil, fmt.Errorf("scan %s does not belong to run %s", id, runID)
		}
		if scan.Deleted {
			return nil, fmt.Errorf("scan %s is deleted", id)
		}
		newID, err := s.cloneScan(ctx, scan)
		if err != nil {
			return nil, err
		}
		created = append(created, newID)
	}
	if err := s.reopen(ctx, runID); err != nil {
		return nil, err
	}
	s.Schedule(runID)
	return created, nil
}

// Rerun creates a fresh generation for every latest-generation scan of the
// run and reopens it.
func (s *Service) Rerun(ctx context.Context, runID uuid.UUID) (int, error) {
	scans, err := s.store.ListScans(ctx, runID, false)
	if err != nil {
		return 0, fmt.Errorf("list scans: %w", err)
	}
	latest := record.LatestScans(scans)
	if len(latest) == 0 {
		return 0, fmt.Errorf("run %s has no scans to rerun", runID)
	}
	for _, scan := range latest {
		if _, err := s.cloneScan(ctx, scan); err != nil {
			return 0, err
		}
	}
	if err := s.reopen(ctx, runID); err != nil {
		return 0, err
	}
	s.Schedule(runID)
	return len(latest), nil
}

// AddScans appends new URL pairs to an existing run and reopens it.
func (s *Service) AddScans(ctx context.Context, runID uuid.UUID, requests []ScanRequest) ([]uuid.UUID, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("no scans given")
	}
	for _, req := range requests {
		if err := validatePair(req.URLOld, req.URLNew); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	created := make([]uuid.UUID, 0, len(requests))
	for _, req := range requests {
		id := uuid.New()
		if err := s.createScan(ctx, runID, req, &id); err != nil {
			return nil, err
		}
		created = append(created, id)
	}
	if err := s.recount(ctx, runID); err != nil {
		return nil, err
	}
	if err := s.reopen(ctx, runID); err != nil {
		return nil, err
	}
	s.Schedule(runID)
	return created, nil
}

// UpdateScan applies an edit to a scan. An edit that changes URLs or check
// config resets the scan to pending with its probe cleared, so it re-runs
// from Phase 1; an edit that changes nothing leaves the scan untouched.
func (s *Service) UpdateScan(ctx context.Context, runID, scanID uuid.UUID, update record.ScanUpdate) (bool, error) {
	if update.URLOld != nil || update.URLNew != nil {
		scan, err := s.store.GetScan(ctx, scanID)
		if err != nil {
			return false, fmt.Errorf("load scan %s: %w", scanID, err)
		}
		if scan.RunID != runID {
			return false, fmt.Errorf("scan %s does not belong to run %s", scanID, runID)
		}
		urlOld, urlNew := scan.URLOld, scan.URLNew
		if update.URLOld != nil {
			urlOld = *update.URLOld
		}
		if update.URLNew != nil {
			urlNew = *update.URLNew
		}
		if err := validatePair(urlOld, urlNew); err != nil {
			return false, err
		}
	}
	changed, err := s.store.UpdateScan(ctx, scanID, update)
	if err != nil {
		return false, fmt.Errorf("update scan %s: %w", scanID, err)
	}
	if changed {
		if err := s.reopen(ctx, runID); err != nil {
			return changed, err
		}
		s.Schedule(runID)
	}
	return changed, nil
}

// DeleteScans soft-deletes scans and recounts the run. Deleting the last
// unfinished scans can complete the run.
func (s *Service) DeleteScans(ctx context.Context, runID uuid.UUID, scanIDs []uuid.UUID) error {
	if len(scanIDs) == 0 {
		return fmt.Errorf("no scan ids given")
	}
	if err := s.store.SoftDeleteScans(ctx, runID, scanIDs); err != nil {
		return fmt.Errorf("delete scans: %w", err)
	}
	return s.finalize(ctx, runID)
}

// RenameRun sets a user-chosen display name.
func (s *Service) RenameRun(ctx context.Context, runID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("run name must not be empty")
	}
	if err := s.store.UpdateRunName(ctx, runID, name); err != nil {
		return fmt.Errorf("rename run %s: %w", runID, err)
	}
	return nil
}

// Schedule enqueues coordination for a run on the run queue. Coordination
// is idempotent; scheduling an already-settled run recounts and returns.
func (s *Service) Schedule(runID uuid.UUID) {
	err := s.runQueue.Submit(func(ctx context.Context) {
		if err := s.Coordinate(ctx, runID); err != nil {
			s.logger.Error("run coordination failed",
				zap.String("run_id", runID.String()),
				zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("schedule run coordination",
			zap.String("run_id", runID.String()),
			zap.Error(err))
	}
}

// Coordinate drives one run through both phases. The barrier is a per-run
// latch over exactly this run's queue submissions; scans of other runs on
// the shared queues never delay it.
func (s *Service) Coordinate(ctx context.Context, runID uuid.UUID) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != record.RunRunning {
		if err := s.store.UpdateRunStatus(ctx, runID, record.RunRunning, nil); err != nil {
			return fmt.Errorf("mark run %s running: %w", runID, err)
		}
	}

	latest, err := s.latestScans(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.runPhase(ctx, s.fastQueue, latest, func(scan record.Scan) bool {
		return !scan.Status.Terminal() && scan.Metadata.Probe == nil
	}, s.pipe.RunPhase1); err != nil {
		return err
	}

	latest, err = s.latestScans(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.runPhase(ctx, s.slowQueue, latest, func(scan record.Scan) bool {
		return !scan.Status.Terminal() && scan.Metadata.Probe != nil && scan.Metadata.Probe.ShouldContinue
	}, s.pipe.RunPhase2); err != nil {
		return err
	}

	return s.finalize(ctx, runID)
}

// Recover reschedules every run that was not completed when the process
// last stopped. The pipeline resumes each scan at the phase its persisted
// probe state calls for.
func (s *Service) Recover(ctx context.Context) error {
	pending := make(map[uuid.UUID]struct{})
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range runs {
		pending[run.ID] = struct{}{}
	}
	scans, err := s.store.ListUnfinishedScans(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished scans: %w", err)
	}
	for _, scan := range scans {
		pending[scan.RunID] = struct{}{}
	}
	for runID := range pending {
		s.Schedule(runID)
	}
	if len(pending) > 0 {
		s.logger.Info("recovered unfinished runs", zap.Int("count", len(pending)))
	}
	return nil
}

// runPhase fans one phase out over a queue and waits for this run's latch.
func (s *Service) runPhase(
	ctx context.Context,
	q *queue.Queue,
	scans []record.Scan,
	eligible func(record.Scan) bool,
	phase func(context.Context, uuid.UUID) error,
) error {
	var latch sync.WaitGroup
	for _, scan := range scans {
		if !eligible(scan) {
			continue
		}
		scanID := scan.ID
		latch.Add(1)
		err := q.Submit(func(taskCtx context.Context) {
			defer latch.Done()
			if err := phase(taskCtx, scanID); err != nil {
				s.logger.Error("scan phase failed",
					zap.String("scan_id", scanID.String()),
					zap.Error(err))
			}
		})
		if err != nil {
			latch.Done()
			return fmt.Errorf("submit scan %s: %w", scanID, err)
		}
	}

	done := make(chan struct{})
	go func() {
		latch.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize recounts the latest generation and completes the run if nothing
// is left pending or running.
func (s *Service) finalize(ctx context.Context, runID uuid.UUID) error {
	scans, err := s.store.ListScans(ctx, runID, false)
	if err != nil {
		return fmt.Errorf("list scans: %w", err)
	}
	counters := record.ComputeLatestCounters(scans)
	if err := s.store.UpdateRunCounters(ctx, runID, counters.Total, counters.Completed, counters.Failed); err != nil {
		return fmt.Errorf("update counters for run %s: %w", runID, err)
	}
	if !record.IsRunFullyComplete(scans) {
		return nil
	}

	at := s.now()
	if err := s.store.UpdateRunStatus(ctx, runID, record.RunCompleted, &at); err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	s.broadcaster.Broadcast(runID, events.New(events.EventRunComplete, runComplete{
		RunID:          runID,
		Status:         run.Status,
		TotalScans:     run.TotalScans,
		CompletedScans: run.CompletedScans,
		FailedScans:    run.FailedScans,
	}))
	s.broadcaster.Broadcast(runID, events.New(events.EventDone, map[string]uuid.UUID{"runId": runID}))
	metrics.ObserveRun(string(run.Type))

	if s.notifier != nil {
		if err := s.notifier.RunCompleted(ctx, run); err != nil {
			s.logger.Warn("run completion notification failed",
				zap.String("run_id", runID.String()),
				zap.Error(err))
		}
	}
	s.logger.Info("run completed",
		zap.String("run_id", runID.String()),
		zap.Int("total", run.TotalScans),
		zap.Int("completed", run.CompletedScans),
		zap.Int("failed", run.FailedScans))
	return nil
}

func (s *Service) latestScans(ctx context.Context, runID uuid.UUID) ([]record.Scan, error) {
	scans, err := s.store.ListScans(ctx, runID, false)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return record.LatestScans(scans), nil
}

func (s *Service) newRun(runType record.RunType, name string, fetch *record.FetchRequest) record.Run {
	auto := false
	if name == "" {
		name = "Run " + s.now().Format("2006-01-02 15:04:05")
		auto = true
	}
	return record.Run{
		ID:           uuid.New(),
		Type:         runType,
		RunName:      name,
		RunNameAuto:  auto,
		Status:       record.RunPending,
		FetchRequest: fetch,
		CreatedAt:    s.now(),
	}
}

// createScan persists one pending scan and announces it. A nil id lets the
// scan mint its own.
func (s *Service) createScan(ctx context.Context, runID uuid.UUID, req ScanRequest, id *uuid.UUID) error {
	cfg := record.DefaultCheckConfig()
	if req.CheckConfig != nil {
		cfg = *req.CheckConfig
	}
	scan := record.Scan{
		ID:          uuid.New(),
		RunID:       runID,
		URLOld:      req.URLOld,
		URLNew:      req.URLNew,
		Status:      record.ScanPending,
		CheckConfig: cfg,
		CreatedAt:   s.now(),
	}
	if id != nil {
		scan.ID = *id
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	s.announce(scan)
	return nil
}

func (s *Service) cloneScan(ctx context.Context, original record.Scan) (uuid.UUID, error) {
	// Every generation points at the root scan, not its immediate
	// predecessor, so a chain of rescans stays one hop deep.
	root := original.ID
	if original.ParentScanID != nil {
		root = *original.ParentScanID
	}
	scan := record.Scan{
		ID:           uuid.New(),
		RunID:        original.RunID,
		URLOld:       original.URLOld,
		URLNew:       original.URLNew,
		ParentScanID: &root,
		Status:       record.ScanPending,
		CheckConfig:  original.CheckConfig,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return uuid.Nil, fmt.Errorf("create rescan of %s: %w", original.ID, err)
	}
	s.announce(scan)
	return scan.ID, nil
}

func (s *Service) announce(scan record.Scan) {
	s.broadcaster.Broadcast(scan.RunID, events.New(events.EventRowStart, rowStart{
		ScanID:   scan.ID,
		RowIndex: scan.ID.String(),
		URLs:     pipeline.RowURLs{Old: scan.URLOld, New: scan.URLNew},
		Status:   scan.Status,
	}))
}

// reopen puts a settled run back into the running state so new or reset
// scans get coordinated.
func (s *Service) reopen(ctx context.Context, runID uuid.UUID) error {
	if err := s.store.UpdateRunStatus(ctx, runID, record.RunRunning, nil); err != nil {
		return fmt.Errorf("reopen run %s: %w", runID, err)
	}
	return nil
}

func (s *Service) recount(ctx context.Context, runID uuid.UUID) error {
	scans, err := s.store.ListScans(ctx, runID, false)
	if err != nil {
		return fmt.Errorf("list scans: %w", err)
	}
	counters := record.ComputeLatestCounters(scans)
	if err := s.store.UpdateRunCounters(ctx, runID, counters.Total, counters.Completed, counters.Failed); err != nil {
		return fmt.Errorf("update counters for run %s: %w", runID, err)
	}
	return nil
}

// screenRows converts inventory rows into scan requests, skipping rows
// that cannot produce a comparable pair. Row numbers are 1-based over the
// data rows, matching what a spreadsheet user sees below the header.
func screenRows(rows []csvsource.Row) ([]ScanRequest, BulkReport) {
	report := BulkReport{TotalRows: len(rows)}
	requests := make([]ScanRequest, 0, len(rows))
	for i, row := range rows {
		num := i + 1
		switch {
		case row.PagePath == "":
			report.Skipped = append(report.Skipped, SkippedRow{Row: num, Reason: "missing pagePath"})
		case row.DirectionFinal != "" && !strings.EqualFold(row.DirectionFinal, "keep"):
			report.Skipped = append(report.Skipped, SkippedRow{Row: num, Reason: "directionFinal is " + row.DirectionFinal})
		case validateHTTPS(row.PreviewURLAuto) != nil:
			report.Skipped = append(report.Skipped, SkippedRow{Row: num, Reason: "invalid preview url"})
		case validateHTTPS(row.ContentStackURL) != nil:
			report.Skipped = append(report.Skipped, SkippedRow{Row: num, Reason: "invalid contentstack url"})
		default:
			requests = append(requests, ScanRequest{
				URLOld: row.PreviewURLAuto,
				URLNew: row.ContentStackURL,
			})
		}
	}
	report.ValidScans = len(requests)
	return requests, report
}

// ErrInvalidURL marks request validation failures so the HTTP layer can
// answer 400 instead of 500.
var ErrInvalidURL = errors.New("invalid url")

func validatePair(urlOld, urlNew string) error {
	if err := validateHTTPS(urlOld); err != nil {
		return fmt.Errorf("urlOld: %w", err)
	}
	if err := validateHTTPS(urlNew); err != nil {
		return fmt.Errorf("urlNew: %w", err)
	}
	return nil
}

func validateHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %q must be https", ErrInvalidURL, raw)
	}
	return nil
}
