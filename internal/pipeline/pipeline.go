// Package pipeline executes the two-phase scan state machine. Phase 1 probes
// both URLs without following redirects and decides whether the heavy checks
// are worth running. Phase 2 fetches both pages once and runs every enabled
// check in registration order, failing fast on the first error.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/checks"
	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/metrics"
	"github.com/pageparity/pageparity/internal/record"
)

// DefaultCheckTimeout bounds a single heavy check.
const DefaultCheckTimeout = 90 * time.Second

// Pipeline runs individual scans. It owns no scheduling; the run coordinator
// decides when and on which queue a phase executes.
type Pipeline struct {
	store        record.Store
	registry     *checks.Registry
	prober       *checks.Prober
	fetcher      checks.Fetcher
	broadcaster  *events.Broadcaster
	logger       *zap.Logger
	checkTimeout time.Duration
	now          func() time.Time
}

// New wires a pipeline. A zero checkTimeout falls back to DefaultCheckTimeout.
func New(
	store record.Store,
	registry *checks.Registry,
	prober *checks.Prober,
	fetcher checks.Fetcher,
	broadcaster *events.Broadcaster,
	logger *zap.Logger,
	checkTimeout time.Duration,
) *Pipeline {
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	metrics.Init()
	return &Pipeline{
		store:        store,
		registry:     registry,
		prober:       prober,
		fetcher:      fetcher,
		broadcaster:  broadcaster,
		logger:       logger,
		checkTimeout: checkTimeout,
		now:          time.Now,
	}
}

// RunScan dispatches a scan to the phase its persisted state calls for: no
// stored probe means Phase 1, a stored probe means Phase 2. Recovery uses
// this to resume interrupted scans at the right point.
func (p *Pipeline) RunScan(ctx context.Context, scanID uuid.UUID) error {
	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load scan %s: %w", scanID, err)
	}
	if scan.Metadata.Probe == nil {
		return p.RunPhase1(ctx, scanID)
	}
	return p.RunPhase2(ctx, scanID)
}

// RunPhase1 probes both sides of a scan and persists the outcome. A pair
// where either side is not reachable with HTTP 200 fails here and never
// reaches the heavy checks.
func (p *Pipeline) RunPhase1(ctx context.Context, scanID uuid.UUID) error {
	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load scan %s: %w", scanID, err)
	}
	if scan.Status.Terminal() {
		p.logger.Debug("skipping phase 1 for terminal scan",
			zap.String("scan_id", scanID.String()),
			zap.String("status", string(scan.Status)))
		return nil
	}
	if err := p.store.MarkScanRunning(ctx, scanID, p.now()); err != nil {
		return fmt.Errorf("mark scan %s running: %w", scanID, err)
	}
	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	probe, oldMeta, newMeta := p.prober.Probe(ctx, scan.URLOld, scan.URLNew)
	metrics.ObserveProbe(scan.URLOld, probeOutcome(probe.Old))
	metrics.ObserveProbe(scan.URLNew, probeOutcome(probe.New))
	if err := p.store.SetScanProbe(ctx, scanID, probe, oldMeta, newMeta); err != nil {
		return fmt.Errorf("persist probe for scan %s: %w", scanID, err)
	}
	probePayload, _ := json.Marshal(probe)
	if err := p.store.SetScanResults(ctx, scanID, map[string]json.RawMessage{
		checks.KeyPageData: probePayload,
	}); err != nil {
		return fmt.Errorf("persist probe result for scan %s: %w", scanID, err)
	}

	p.broadcaster.Broadcast(scan.RunID, events.New(events.EventRowUpdate, RowUpdate{
		ScanID:        scanID,
		Key:           checks.KeyPageData,
		PageDataCheck: &probe,
	}))

	if !probe.ShouldContinue {
		message := checks.AbortMessage(probe)
		p.logger.Info("scan aborted after probe",
			zap.String("scan_id", scanID.String()),
			zap.String("reason", message))
		return p.fail(ctx, scan.RunID, scanID, message)
	}

	p.logger.Debug("phase 1 complete",
		zap.String("scan_id", scanID.String()),
		zap.String("url_old", scan.URLOld),
		zap.String("url_new", scan.URLNew))
	return nil
}

// RunPhase2 fetches both pages and runs every enabled check in order. It
// requires a persisted probe; scheduling Phase 2 without one is a
// coordinator bug and fails the scan rather than guessing.
func (p *Pipeline) RunPhase2(ctx context.Context, scanID uuid.UUID) error {
	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load scan %s: %w", scanID, err)
	}
	if scan.Status.Terminal() {
		p.logger.Debug("skipping phase 2 for terminal scan",
			zap.String("scan_id", scanID.String()),
			zap.String("status", string(scan.Status)))
		return nil
	}
	if scan.Metadata.Probe == nil {
		p.logger.Error("phase 2 scheduled without a probe result",
			zap.String("scan_id", scanID.String()),
			zap.String("run_id", scan.RunID.String()))
		return p.fail(ctx, scan.RunID, scanID, "phase 2 scheduled without a probe result")
	}
	if err := p.store.MarkScanRunning(ctx, scanID, p.now()); err != nil {
		return fmt.Errorf("mark scan %s running: %w", scanID, err)
	}
	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	sc := checks.NewScanContext(scan, *scan.Metadata.Probe, p.fetcher)
	if err := sc.Prefetch(ctx); err != nil {
		return p.fail(ctx, scan.RunID, scanID, fmt.Sprintf("fetch pages: %v", err))
	}

	for _, handler := range p.registry.Enabled(scan.CheckConfig) {
		key := handler.Key()
		started := time.Now()
		payload, err := p.runCheck(ctx, handler, sc)
		metrics.ObserveCheck(key, time.Since(started))
		if err != nil {
			p.logger.Warn("check failed",
				zap.String("scan_id", scanID.String()),
				zap.String("check", key),
				zap.Error(err))
			if perr := p.store.SetScanResults(ctx, scanID, map[string]json.RawMessage{
				key: checks.ErrorResult(err),
			}); perr != nil {
				p.logger.Error("persist failed check result",
					zap.String("scan_id", scanID.String()),
					zap.Error(perr))
			}
			return p.fail(ctx, scan.RunID, scanID, fmt.Sprintf("%s: %v", key, err))
		}
		if err := p.store.SetScanResults(ctx, scanID, map[string]json.RawMessage{key: payload}); err != nil {
			return fmt.Errorf("persist %s result for scan %s: %w", key, scanID, err)
		}
		p.broadcaster.Broadcast(scan.RunID, events.New(events.EventRowResult, RowResult{
			ScanID: scanID,
			Key:    checks.EventKey(key),
			Result: payload,
		}))
	}

	if err := p.store.MarkScanCompleted(ctx, scanID, p.now()); err != nil {
		return fmt.Errorf("mark scan %s completed: %w", scanID, err)
	}
	metrics.ObserveScan(string(record.ScanCompleted))
	p.finalize(ctx, scan.RunID, scanID)
	return nil
}

func probeOutcome(side record.ProbeSide) string {
	switch {
	case side.Error != "":
		return "error"
	case side.Status == 200:
		return "ok"
	default:
		return "blocked"
	}
}

// runCheck bounds one handler with the per-check timeout. The handler runs
// in its own goroutine so a stuck check cannot wedge the worker past the
// deadline; a timed-out handler's late result is discarded.
func (p *Pipeline) runCheck(ctx context.Context, handler checks.Handler, sc *checks.ScanContext) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.checkTimeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := handler.Run(ctx, sc)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		return out.payload, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &checks.TimeoutError{Check: handler.Key(), Timeout: p.checkTimeout}
		}
		return nil, ctx.Err()
	}
}

// fail marks the scan failed and emits the terminal event triple.
func (p *Pipeline) fail(ctx context.Context, runID, scanID uuid.UUID, message string) error {
	if err := p.store.MarkScanFailed(ctx, scanID, message, p.now()); err != nil {
		return fmt.Errorf("mark scan %s failed: %w", scanID, err)
	}
	metrics.ObserveScan(string(record.ScanFailed))
	p.broadcaster.Broadcast(runID, events.New(events.EventRowError, RowError{
		ScanID:  scanID,
		Message: message,
	}))
	p.finalize(ctx, runID, scanID)
	return nil
}

// finalize re-reads the persisted scan and emits row-final plus row-done.
// The final payload is built from stored state so subscribers and later API
// reads agree on what the scan produced.
func (p *Pipeline) finalize(ctx context.Context, runID, scanID uuid.UUID) {
	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		p.logger.Error("load scan for final event",
			zap.String("scan_id", scanID.String()),
			zap.Error(err))
		return
	}
	p.broadcaster.Broadcast(runID, events.New(events.EventRowFinal, NewRowFinal(scan)))
	p.broadcaster.Broadcast(runID, events.New(events.EventRowDone, RowDone{
		ScanID: scanID,
		Status: scan.Status,
	}))
}
