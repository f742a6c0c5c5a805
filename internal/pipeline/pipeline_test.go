package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/checks"
	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/record/memory"
)

type stubFetcher struct {
	pages map[string]string
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.calls++
	body, ok := f.pages[url]
	if !ok {
		return "", errors.New("no page for " + url)
	}
	return body, nil
}

type spyHandler struct {
	key     string
	calls   int
	payload json.RawMessage
	err     error
	block   bool
}

func (h *spyHandler) Key() string { return h.key }

func (h *spyHandler) Run(ctx context.Context, _ *checks.ScanContext) (json.RawMessage, error) {
	h.calls++
	if h.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h.payload, h.err
}

func seedScan(t *testing.T, store record.Store, urlOld, urlNew string, cfg record.CheckConfig) record.Scan {
	t.Helper()
	run := record.Run{
		ID:        uuid.New(),
		Type:      record.RunTypeSingle,
		Status:    record.RunRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	scan := record.Scan{
		ID:          uuid.New(),
		RunID:       run.ID,
		URLOld:      urlOld,
		URLNew:      urlNew,
		Status:      record.ScanPending,
		CheckConfig: cfg,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateScan(context.Background(), scan))
	return scan
}

func collectEvents(t *testing.T, sub *events.Subscriber, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %q", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
	return out
}

func eventNames(evs []events.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func newPipeline(t *testing.T, store record.Store, fetcher checks.Fetcher, b *events.Broadcaster, handlers ...checks.Handler) *Pipeline {
	t.Helper()
	registry, err := checks.NewRegistry(handlers...)
	require.NoError(t, err)
	prober := checks.NewProber(checks.ProberConfig{Timeout: 5 * time.Second})
	return New(store, registry, prober, fetcher, b, zap.NewNop(), 5*time.Second)
}

func TestBothSidesReachableRunsTextCheckAndCompletes(t *testing.T) {
	t.Parallel()

	oldHTML := `<html><body><main><p>Welcome to the support portal for customers.</p></main></body></html>`
	newHTML := `<html><body><main><p>Welcome to the support portal for customers.</p></main></body></html>`

	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><script src="/etc.clientlibs/foundation-base.js"></script></head><body>old</body></html>`))
	}))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><script src="/c-resources/_next/app.js"></script></head><body>new</body></html>`))
	}))
	defer newSrv.Close()

	store := memory.New()
	fetcher := &stubFetcher{pages: map[string]string{
		oldSrv.URL: oldHTML,
		newSrv.URL: newHTML,
	}}
	broadcaster := events.NewBroadcaster(zap.NewNop())
	pipe := newPipeline(t, store, fetcher, broadcaster, checks.NewTextCheck())

	scan := seedScan(t, store, oldSrv.URL, newSrv.URL, record.CheckConfig{Text: true})
	sub := broadcaster.Subscribe(scan.RunID)
	defer broadcaster.Unsubscribe(sub)

	require.NoError(t, pipe.RunPhase1(context.Background(), scan.ID))
	require.NoError(t, pipe.RunPhase2(context.Background(), scan.ID))

	evs := collectEvents(t, sub, 4)
	require.Equal(t, []string{
		events.EventRowUpdate,
		events.EventRowResult,
		events.EventRowFinal,
		events.EventRowDone,
	}, eventNames(evs))

	var update RowUpdate
	require.NoError(t, json.Unmarshal(evs[0].Data, &update))
	require.Equal(t, checks.KeyPageData, update.Key)
	require.True(t, update.PageDataCheck.ShouldContinue)
	require.Equal(t, "AEM", update.PageDataCheck.Old.Platform)
	require.Equal(t, "ContentStack", update.PageDataCheck.New.Platform)

	var result RowResult
	require.NoError(t, json.Unmarshal(evs[1].Data, &result))
	require.Equal(t, "text-comparison", result.Key)

	var final RowFinal
	require.NoError(t, json.Unmarshal(evs[2].Data, &final))
	require.Equal(t, record.ScanCompleted, final.Status)
	require.NotEqual(t, json.RawMessage("null"), final.Text)
	require.Equal(t, json.RawMessage("null"), final.Links)
	require.Equal(t, json.RawMessage("null"), final.SEO)
	require.Equal(t, RowURLs{Old: oldSrv.URL, New: newSrv.URL}, final.URLs)

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanCompleted, stored.Status)
	require.Contains(t, stored.Results, checks.KeyText)
	require.Contains(t, stored.Results, checks.KeyPageData)
	require.NotNil(t, stored.CompletedAt)
}

func TestUnreachableNewSideFailsWithoutRunningChecks(t *testing.T) {
	t.Parallel()

	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>old</body></html>"))
	}))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer newSrv.Close()

	store := memory.New()
	broadcaster := events.NewBroadcaster(zap.NewNop())
	text := &spyHandler{key: checks.KeyText, payload: json.RawMessage(`{"status":"ok"}`)}
	pipe := newPipeline(t, store, &stubFetcher{}, broadcaster, text)

	scan := seedScan(t, store, oldSrv.URL, newSrv.URL, record.CheckConfig{Text: true})
	sub := broadcaster.Subscribe(scan.RunID)
	defer broadcaster.Unsubscribe(sub)

	require.NoError(t, pipe.RunPhase1(context.Background(), scan.ID))

	evs := collectEvents(t, sub, 4)
	require.Equal(t, []string{
		events.EventRowUpdate,
		events.EventRowError,
		events.EventRowFinal,
		events.EventRowDone,
	}, eventNames(evs))

	var rowErr RowError
	require.NoError(t, json.Unmarshal(evs[1].Data, &rowErr))
	require.Contains(t, rowErr.Message, "pageDataCheck aborted")
	require.Contains(t, rowErr.Message, "404")

	var final RowFinal
	require.NoError(t, json.Unmarshal(evs[2].Data, &final))
	require.Equal(t, record.ScanFailed, final.Status)
	require.Equal(t, json.RawMessage("null"), final.Text)
	require.NotNil(t, final.PageDataCheck)
	require.False(t, final.PageDataCheck.ShouldContinue)

	// A terminal scan never reaches the heavy checks, even if scheduled.
	require.NoError(t, pipe.RunPhase2(context.Background(), scan.ID))
	require.Zero(t, text.calls)

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanFailed, stored.Status)
	require.Contains(t, stored.Error, "pageDataCheck aborted")
}

func TestPhase2FailsFastOnCheckError(t *testing.T) {
	t.Parallel()

	store := memory.New()
	broadcaster := events.NewBroadcaster(zap.NewNop())
	fetcher := &stubFetcher{pages: map[string]string{
		"https://old.example/a": "<html><body>a</body></html>",
		"https://new.example/a": "<html><body>a</body></html>",
	}}
	failing := &spyHandler{key: checks.KeyText, err: errors.New("renderer crashed")}
	after := &spyHandler{key: checks.KeyLinks, payload: json.RawMessage(`{"status":"ok"}`)}
	pipe := newPipeline(t, store, fetcher, broadcaster, failing, after)

	scan := seedScan(t, store, "https://old.example/a", "https://new.example/a", record.CheckConfig{Text: true, Links: true})
	probe := record.ProbeResult{
		Old:            record.ProbeSide{URL: scan.URLOld, Status: 200},
		New:            record.ProbeSide{URL: scan.URLNew, Status: 200},
		ShouldContinue: true,
		CheckedAt:      time.Now(),
	}
	require.NoError(t, store.SetScanProbe(context.Background(), scan.ID, probe, nil, nil))

	sub := broadcaster.Subscribe(scan.RunID)
	defer broadcaster.Unsubscribe(sub)

	require.NoError(t, pipe.RunPhase2(context.Background(), scan.ID))

	evs := collectEvents(t, sub, 3)
	require.Equal(t, []string{
		events.EventRowError,
		events.EventRowFinal,
		events.EventRowDone,
	}, eventNames(evs))
	require.Equal(t, 1, failing.calls)
	require.Zero(t, after.calls)

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanFailed, stored.Status)
	require.JSONEq(t, `{"status":"error","message":"renderer crashed"}`, string(stored.Results[checks.KeyText]))
	_, hasLinks := stored.Results[checks.KeyLinks]
	require.False(t, hasLinks)
}

func TestCheckTimeoutFailsScanWithNamedCheck(t *testing.T) {
	t.Parallel()

	store := memory.New()
	broadcaster := events.NewBroadcaster(zap.NewNop())
	fetcher := &stubFetcher{pages: map[string]string{
		"https://old.example/b": "<html><body>b</body></html>",
		"https://new.example/b": "<html><body>b</body></html>",
	}}
	stuck := &spyHandler{key: checks.KeySEO, block: true}
	registry, err := checks.NewRegistry(stuck)
	require.NoError(t, err)
	pipe := New(store, registry, checks.NewProber(checks.ProberConfig{Timeout: time.Second}),
		fetcher, broadcaster, zap.NewNop(), 50*time.Millisecond)

	scan := seedScan(t, store, "https://old.example/b", "https://new.example/b", record.CheckConfig{SEO: true})
	probe := record.ProbeResult{
		Old:            record.ProbeSide{URL: scan.URLOld, Status: 200},
		New:            record.ProbeSide{URL: scan.URLNew, Status: 200},
		ShouldContinue: true,
		CheckedAt:      time.Now(),
	}
	require.NoError(t, store.SetScanProbe(context.Background(), scan.ID, probe, nil, nil))

	require.NoError(t, pipe.RunPhase2(context.Background(), scan.ID))

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanFailed, stored.Status)
	require.Contains(t, stored.Error, `check "seo" timed out`)
}

func TestPhase2WithoutProbeFailsStructurally(t *testing.T) {
	t.Parallel()

	store := memory.New()
	broadcaster := events.NewBroadcaster(zap.NewNop())
	text := &spyHandler{key: checks.KeyText}
	pipe := newPipeline(t, store, &stubFetcher{}, broadcaster, text)

	scan := seedScan(t, store, "https://old.example/c", "https://new.example/c", record.DefaultCheckConfig())
	require.NoError(t, pipe.RunPhase2(context.Background(), scan.ID))

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanFailed, stored.Status)
	require.Contains(t, stored.Error, "without a probe result")
	require.Zero(t, text.calls)
}

func TestRunScanDispatchesByProbePresence(t *testing.T) {
	t.Parallel()

	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>page</body></html>"))
	}))
	defer oldSrv.Close()

	store := memory.New()
	broadcaster := events.NewBroadcaster(zap.NewNop())
	fetcher := &stubFetcher{pages: map[string]string{
		oldSrv.URL: "<html><body><p>Shared body text for both sides here.</p></body></html>",
	}}
	pipe := newPipeline(t, store, fetcher, broadcaster, checks.NewTextCheck())

	scan := seedScan(t, store, oldSrv.URL, oldSrv.URL, record.CheckConfig{Text: true})

	// First dispatch probes.
	require.NoError(t, pipe.RunScan(context.Background(), scan.ID))
	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata.Probe)
	require.Equal(t, record.ScanRunning, stored.Status)

	// Second dispatch sees the probe and runs the heavy checks.
	require.NoError(t, pipe.RunScan(context.Background(), scan.ID))
	stored, err = store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, record.ScanCompleted, stored.Status)
	require.Contains(t, stored.Results, checks.KeyText)
}

// counterValue reads one labeled series from the default registry, zero
// when the series does not exist yet.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && pair.GetValue() == want {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestScanOutcomesAreCounted(t *testing.T) {
	t.Parallel()

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>page</body></html>"))
	}))
	defer okSrv.Close()
	goneSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer goneSrv.Close()

	store := memory.New()
	fetcher := &stubFetcher{pages: map[string]string{
		okSrv.URL: "<html><body><p>Shared body text for both sides here.</p></body></html>",
	}}
	broadcaster := events.NewBroadcaster(zap.NewNop())
	pipe := newPipeline(t, store, fetcher, broadcaster, checks.NewTextCheck())

	completedBefore := counterValue(t, "pageparity_scans_total", map[string]string{"status": "completed"})
	failedBefore := counterValue(t, "pageparity_scans_total", map[string]string{"status": "failed"})

	good := seedScan(t, store, okSrv.URL, okSrv.URL, record.CheckConfig{Text: true})
	require.NoError(t, pipe.RunPhase1(context.Background(), good.ID))
	require.NoError(t, pipe.RunPhase2(context.Background(), good.ID))

	bad := seedScan(t, store, okSrv.URL, goneSrv.URL, record.CheckConfig{Text: true})
	require.NoError(t, pipe.RunPhase1(context.Background(), bad.ID))

	// Other tests may bump the counters in parallel, so only a lower
	// bound is safe to assert.
	completedAfter := counterValue(t, "pageparity_scans_total", map[string]string{"status": "completed"})
	failedAfter := counterValue(t, "pageparity_scans_total", map[string]string{"status": "failed"})
	require.GreaterOrEqual(t, completedAfter, completedBefore+1)
	require.GreaterOrEqual(t, failedAfter, failedBefore+1)
}
