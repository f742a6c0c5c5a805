package run

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/csvsource"
	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/queue"
	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/record/memory"
)

// fakeRunner stands in for the pipeline: Phase 1 writes a probe, Phase 2
// completes the scan. Probes can be told to not continue.
type fakeRunner struct {
	store record.Store

	mu            sync.Mutex
	phase1Calls   int
	phase2Calls   int
	abortProbe    bool
}

func (f *fakeRunner) RunPhase1(ctx context.Context, scanID uuid.UUID) error {
	f.mu.Lock()
	f.phase1Calls++
	abort := f.abortProbe
	f.mu.Unlock()

	if err := f.store.MarkScanRunning(ctx, scanID, time.Now()); err != nil {
		return err
	}
	probe := record.ProbeResult{
		Old:            record.ProbeSide{Status: 200},
		New:            record.ProbeSide{Status: 200},
		ShouldContinue: !abort,
		CheckedAt:      time.Now(),
	}
	if abort {
		probe.New.Status = 404
	}
	if err := f.store.SetScanProbe(ctx, scanID, probe, nil, nil); err != nil {
		return err
	}
	if abort {
		return f.store.MarkScanFailed(ctx, scanID, "pageDataCheck aborted: old=200 OK, new=404 Not Found", time.Now())
	}
	return nil
}

func (f *fakeRunner) RunPhase2(ctx context.Context, scanID uuid.UUID) error {
	f.mu.Lock()
	f.phase2Calls++
	f.mu.Unlock()
	return f.store.MarkScanCompleted(ctx, scanID, time.Now())
}

func (f *fakeRunner) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase1Calls, f.phase2Calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (n *fakeNotifier) RunCompleted(_ context.Context, run record.Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run.ID)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.runs)
}

type fakeSource struct {
	rows []csvsource.Row
	req  record.FetchRequest
}

func (s *fakeSource) Fetch(_ context.Context, req record.FetchRequest) ([]csvsource.Row, error) {
	s.req = req
	return s.rows, nil
}

type harness struct {
	service     *Service
	store       *memory.Store
	runner      *fakeRunner
	notifier    *fakeNotifier
	source      *fakeSource
	broadcaster *events.Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	runner := &fakeRunner{store: store}
	notifier := &fakeNotifier{}
	source := &fakeSource{}
	logger := zap.NewNop()

	runQueue := queue.New("run", 1, logger)
	fastQueue := queue.New("fast", 4, logger)
	slowQueue := queue.New("slow", 2, logger)
	t.Cleanup(func() {
		runQueue.Close()
		fastQueue.Close()
		slowQueue.Close()
	})

	broadcaster := events.NewBroadcaster(logger)
	service := NewService(Config{
		Store:       store,
		Pipeline:    runner,
		Broadcaster: broadcaster,
		RunQueue:    runQueue,
		FastQueue:   fastQueue,
		SlowQueue:   slowQueue,
		Source:      source,
		Notifier:    notifier,
		Logger:      logger,
	})
	return &harness{
		service:     service,
		store:       store,
		runner:      runner,
		notifier:    notifier,
		source:      source,
		broadcaster: broadcaster,
	}
}

func (h *harness) waitCompleted(t *testing.T, runID uuid.UUID) record.Run {
	t.Helper()
	var run record.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = h.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == record.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestCreateSingleRunsBothPhasesAndCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/page",
		URLNew: "https://new.example/page",
	})
	require.NoError(t, err)
	require.Equal(t, record.RunTypeSingle, created.Type)
	require.True(t, created.RunNameAuto)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 1, run.TotalScans)
	require.Equal(t, 1, run.CompletedScans)
	require.Zero(t, run.FailedScans)
	require.NotNil(t, run.CompletedAt)

	p1, p2 := h.runner.calls()
	require.Equal(t, 1, p1)
	require.Equal(t, 1, p2)
	require.Equal(t, 1, h.notifier.count())
}

func TestCreateSingleRejectsInsecureURL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "http://old.example/page",
		URLNew: "https://new.example/page",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be https")
}

func TestAbortedProbeSkipsPhase2AndCountsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.abortProbe = true

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/gone",
		URLNew: "https://new.example/gone",
	})
	require.NoError(t, err)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 1, run.FailedScans)
	require.Zero(t, run.CompletedScans)

	_, p2 := h.runner.calls()
	require.Zero(t, p2)
}

func TestCreateBulkScreensRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rows := []csvsource.Row{
		{PagePath: "/a", PreviewURLAuto: "https://old.example/a", ContentStackURL: "https://new.example/a", DirectionFinal: "Keep"},
		{PreviewURLAuto: "https://old.example/b", ContentStackURL: "https://new.example/b"},
		{PagePath: "/c", PreviewURLAuto: "https://old.example/c", ContentStackURL: "https://new.example/c", DirectionFinal: "Drop"},
		{PagePath: "/d", PreviewURLAuto: "ftp://old.example/d", ContentStackURL: "https://new.example/d"},
		{PagePath: "/e", PreviewURLAuto: "https://old.example/e", ContentStackURL: "https://new.example/e"},
	}

	created, report, err := h.service.CreateBulk(context.Background(), "march batch", rows)
	require.NoError(t, err)
	require.Equal(t, 5, report.TotalRows)
	require.Equal(t, 2, report.ValidScans)
	require.Len(t, report.Skipped, 3)
	require.Equal(t, 2, report.Skipped[0].Row)
	require.Equal(t, "missing pagePath", report.Skipped[0].Reason)
	require.Equal(t, "directionFinal is Drop", report.Skipped[1].Reason)
	require.Equal(t, "invalid preview url", report.Skipped[2].Reason)

	require.Equal(t, record.RunTypeBulk, created.Type)
	require.Equal(t, "march batch", created.RunName)
	require.False(t, created.RunNameAuto)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 2, run.TotalScans)
	require.Equal(t, 2, run.CompletedScans)
}

func TestCreateBulkWithNoUsableRowsFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, report, err := h.service.CreateBulk(context.Background(), "", []csvsource.Row{
		{PreviewURLAuto: "https://old.example/x"},
	})
	require.Error(t, err)
	require.Equal(t, 1, report.TotalRows)
	require.Zero(t, report.ValidScans)
}

func TestCreateFetchDefaultsBUCombinedAndRunName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.source.rows = []csvsource.Row{
		{PagePath: "/tv", PreviewURLAuto: "https://old.example/tv", ContentStackURL: "https://new.example/tv"},
	}

	created, report, err := h.service.CreateFetch(context.Background(), record.FetchRequest{
		CountryCode:  "nl",
		BusinessUnit: "consumer",
		Locales:      []string{"nl-NL"},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, report.ValidScans)
	require.Equal(t, []string{"nl-consumer"}, h.source.req.BUCombined)
	require.Equal(t, record.RunTypeFetch, created.Type)
	require.Contains(t, created.RunName, "nl-consumer")
	require.NotNil(t, created.FetchRequest)

	h.waitCompleted(t, created.ID)
}

func TestRescanCreatesNewGenerationWithParent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/p",
		URLNew: "https://new.example/p",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	scans, err := h.store.ListScans(context.Background(), created.ID, false)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	original := scans[0]

	newIDs, err := h.service.Rescan(context.Background(), created.ID, []uuid.UUID{original.ID})
	require.NoError(t, err)
	require.Len(t, newIDs, 1)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 1, run.TotalScans)
	require.Equal(t, 1, run.CompletedScans)

	clone, err := h.store.GetScan(context.Background(), newIDs[0])
	require.NoError(t, err)
	require.NotNil(t, clone.ParentScanID)
	require.Equal(t, original.ID, *clone.ParentScanID)
	require.Equal(t, original.URLOld, clone.URLOld)
	require.Equal(t, record.ScanCompleted, clone.Status)
}

func TestRescanOfRescanPointsAtRootScan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/p",
		URLNew: "https://new.example/p",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	scans, err := h.store.ListScans(context.Background(), created.ID, false)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	root := scans[0]

	firstIDs, err := h.service.Rescan(context.Background(), created.ID, []uuid.UUID{root.ID})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	secondIDs, err := h.service.Rescan(context.Background(), created.ID, firstIDs)
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	second, err := h.store.GetScan(context.Background(), secondIDs[0])
	require.NoError(t, err)
	require.NotNil(t, second.ParentScanID)
	require.Equal(t, root.ID, *second.ParentScanID)
}

func TestRowStartCarriesRowIndex(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/p",
		URLNew: "https://new.example/p",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	sub := h.broadcaster.Subscribe(created.ID)
	t.Cleanup(func() { h.broadcaster.Unsubscribe(sub) })

	added, err := h.service.AddScans(context.Background(), created.ID, []ScanRequest{
		{URLOld: "https://old.example/q", URLNew: "https://new.example/q"},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Name != events.EventRowStart {
				continue
			}
			var payload struct {
				ScanID   uuid.UUID `json:"scanId"`
				RowIndex string    `json:"rowIndex"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			require.Equal(t, added[0], payload.ScanID)
			require.Equal(t, added[0].String(), payload.RowIndex)
			return
		case <-deadline:
			t.Fatal("no row-start event received")
		}
	}
}

func TestRerunDuplicatesEveryLatestScan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, _, err := h.service.CreateBulk(context.Background(), "rerun me", []csvsource.Row{
		{PagePath: "/a", PreviewURLAuto: "https://old.example/a", ContentStackURL: "https://new.example/a"},
		{PagePath: "/b", PreviewURLAuto: "https://old.example/b", ContentStackURL: "https://new.example/b"},
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	n, err := h.service.Rerun(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 2, run.TotalScans)

	history, err := h.store.ListScans(context.Background(), created.ID, false)
	require.NoError(t, err)
	require.Len(t, history, 4)
}

func TestAddScansExtendsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/one",
		URLNew: "https://new.example/one",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	ids, err := h.service.AddScans(context.Background(), created.ID, []ScanRequest{
		{URLOld: "https://old.example/two", URLNew: "https://new.example/two"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 2, run.TotalScans)
	require.Equal(t, 2, run.CompletedScans)
}

func TestUpdateScanResetRetriggersFromPhase1(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/v1",
		URLNew: "https://new.example/v1",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	scans, err := h.store.ListScans(context.Background(), created.ID, false)
	require.NoError(t, err)
	scanID := scans[0].ID
	p1Before, _ := h.runner.calls()

	newURL := "https://new.example/v2"
	changed, err := h.service.UpdateScan(context.Background(), created.ID, scanID, record.ScanUpdate{URLNew: &newURL})
	require.NoError(t, err)
	require.True(t, changed)

	run := h.waitCompleted(t, created.ID)
	require.Equal(t, 1, run.CompletedScans)

	p1After, _ := h.runner.calls()
	require.Equal(t, p1Before+1, p1After)

	scan, err := h.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	require.Equal(t, newURL, scan.URLNew)
}

func TestUpdateScanNoopDoesNotReopen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.service.CreateSingle(context.Background(), SingleRequest{
		URLOld: "https://old.example/same",
		URLNew: "https://new.example/same",
	})
	require.NoError(t, err)
	h.waitCompleted(t, created.ID)

	scans, err := h.store.ListScans(context.Background(), created.ID, false)
	require.NoError(t, err)
	sameURL := scans[0].URLNew

	changed, err := h.service.UpdateScan(context.Background(), created.ID, scans[0].ID, record.ScanUpdate{URLNew: &sameURL})
	require.NoError(t, err)
	require.False(t, changed)

	run, err := h.store.GetRun(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, record.RunCompleted, run.Status)
}

func TestDeleteScansCanCompleteRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	store := h.store

	runID := uuid.New()
	require.NoError(t, store.CreateRun(context.Background(), record.Run{
		ID: runID, Type: record.RunTypeBulk, Status: record.RunRunning, CreatedAt: time.Now(),
	}))
	doneScan := record.Scan{
		ID: uuid.New(), RunID: runID, URLOld: "https://old.example/a", URLNew: "https://new.example/a",
		Status: record.ScanCompleted, CreatedAt: time.Now(),
	}
	stuckScan := record.Scan{
		ID: uuid.New(), RunID: runID, URLOld: "https://old.example/b", URLNew: "https://new.example/b",
		Status: record.ScanPending, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateScan(context.Background(), doneScan))
	require.NoError(t, store.CreateScan(context.Background(), stuckScan))

	sub := h.service.broadcaster.Subscribe(runID)
	defer h.service.broadcaster.Unsubscribe(sub)

	require.NoError(t, h.service.DeleteScans(context.Background(), runID, []uuid.UUID{stuckScan.ID}))

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, record.RunCompleted, run.Status)
	require.Equal(t, 1, run.TotalScans)
	require.Equal(t, 1, run.CompletedScans)

	first := <-sub.C
	second := <-sub.C
	require.Equal(t, events.EventRunComplete, first.Name)
	require.Equal(t, events.EventDone, second.Name)
}

func TestRecoverReschedulesUnfinishedRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	store := h.store

	runID := uuid.New()
	require.NoError(t, store.CreateRun(context.Background(), record.Run{
		ID: runID, Type: record.RunTypeSingle, Status: record.RunRunning, TotalScans: 1, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateScan(context.Background(), record.Scan{
		ID: uuid.New(), RunID: runID, URLOld: "https://old.example/r", URLNew: "https://new.example/r",
		Status: record.ScanPending, CreatedAt: time.Now(),
	}))

	require.NoError(t, h.service.Recover(context.Background()))

	run := h.waitCompleted(t, runID)
	require.Equal(t, 1, run.CompletedScans)
}

func TestRecoverFindsPendingRunsThroughUnfinishedScans(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	store := h.store

	// Never reached running, so only its pending scan betrays it.
	runID := uuid.New()
	require.NoError(t, store.CreateRun(context.Background(), record.Run{
		ID: runID, Type: record.RunTypeSingle, Status: record.RunPending, TotalScans: 1, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateScan(context.Background(), record.Scan{
		ID: uuid.New(), RunID: runID, URLOld: "https://old.example/p", URLNew: "https://new.example/p",
		Status: record.ScanPending, CreatedAt: time.Now(),
	}))

	doneID := uuid.New()
	completedAt := time.Now()
	require.NoError(t, store.CreateRun(context.Background(), record.Run{
		ID: doneID, Type: record.RunTypeSingle, Status: record.RunCompleted,
		CreatedAt: completedAt, CompletedAt: &completedAt,
	}))

	require.NoError(t, h.service.Recover(context.Background()))

	run := h.waitCompleted(t, runID)
	require.Equal(t, 1, run.CompletedScans)

	done, err := store.GetRun(context.Background(), doneID)
	require.NoError(t, err)
	require.Zero(t, done.TotalScans)
}
