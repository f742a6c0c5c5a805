package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/queue"
	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/record/memory"
	"github.com/pageparity/pageparity/internal/run"
)

// quickRunner completes every scan without touching the network.
type quickRunner struct {
	store record.Store
}

func (q *quickRunner) RunPhase1(ctx context.Context, scanID uuid.UUID) error {
	if err := q.store.MarkScanRunning(ctx, scanID, time.Now()); err != nil {
		return err
	}
	probe := record.ProbeResult{
		Old:            record.ProbeSide{Status: 200, Platform: "AEM"},
		New:            record.ProbeSide{Status: 200, Platform: "ContentStack"},
		ShouldContinue: true,
		CheckedAt:      time.Now(),
	}
	return q.store.SetScanProbe(ctx, scanID, probe, nil, nil)
}

func (q *quickRunner) RunPhase2(ctx context.Context, scanID uuid.UUID) error {
	if err := q.store.SetScanResults(ctx, scanID, map[string]json.RawMessage{
		"text": json.RawMessage(`{"status":"ok","parity":1}`),
	}); err != nil {
		return err
	}
	return q.store.MarkScanCompleted(ctx, scanID, time.Now())
}

type testServer struct {
	server *Server
	store  *memory.Store
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	store := memory.New()
	logger := zap.NewNop()
	broadcaster := events.NewBroadcaster(logger)

	runQueue := queue.New("run", 1, logger)
	fastQueue := queue.New("fast", 4, logger)
	slowQueue := queue.New("slow", 2, logger)
	t.Cleanup(func() {
		runQueue.Close()
		fastQueue.Close()
		slowQueue.Close()
	})

	runs := run.NewService(run.Config{
		Store:       store,
		Pipeline:    &quickRunner{store: store},
		Broadcaster: broadcaster,
		RunQueue:    runQueue,
		FastQueue:   fastQueue,
		SlowQueue:   slowQueue,
		Logger:      logger,
	})
	server := NewServer(Config{
		Store:       store,
		Runs:        runs,
		Broadcaster: broadcaster,
		Logger:      logger,
		APIKey:      apiKey,
	})
	return &testServer{server: server, store: store}
}

func (ts *testServer) waitCompleted(t *testing.T, runID string) record.Run {
	t.Helper()
	id, err := uuid.Parse(runID)
	require.NoError(t, err)
	var rec record.Run
	require.Eventually(t, func() bool {
		rec, err = ts.store.GetRun(context.Background(), id)
		return err == nil && rec.Status == record.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateSingleRunAndReadCanonicalView(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := postJSON(t, ts.server.Handler(), "/api/runs/single", map[string]any{
		"urlOld": "https://old.example/page",
		"urlNew": "https://new.example/page",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	runID := created["runId"]
	require.NotEmpty(t, runID)

	ts.waitCompleted(t, runID)

	getRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/runs/"+runID, nil))
	require.Equal(t, http.StatusOK, getRec.Code)

	var body struct {
		Run struct {
			ID     string `json:"_id"`
			Status string `json:"status"`
			Scans  []struct {
				ID     string `json:"_id"`
				Status string `json:"status"`
				Phase  int    `json:"phase"`
				URLs   struct {
					Old string `json:"old"`
					New string `json:"new"`
				} `json:"urls"`
				Text          json.RawMessage `json:"text"`
				Links         json.RawMessage `json:"links"`
				PageDataCheck json.RawMessage `json:"pageDataCheck"`
			} `json:"scans"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
	require.Equal(t, runID, body.Run.ID)
	require.Equal(t, "completed", body.Run.Status)
	require.Len(t, body.Run.Scans, 1)

	scan := body.Run.Scans[0]
	require.Equal(t, "completed", scan.Status)
	require.Equal(t, 2, scan.Phase)
	require.Equal(t, "https://old.example/page", scan.URLs.Old)
	require.NotEqual(t, "null", string(scan.Text))
	require.Equal(t, "null", string(scan.Links))
	require.NotEqual(t, "null", string(scan.PageDataCheck))
}

func TestCreateSingleRunRejectsInsecureURL(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := postJSON(t, ts.server.Handler(), "/api/runs/single", map[string]any{
		"urlOld": "http://old.example/page",
		"urlNew": "https://new.example/page",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "https")
}

func TestCreateBulkRunFromRawCSV(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	csvBody := "pagePath,previewUrlAuto,contentStackUrl\n" +
		"/a,https://old.example/a,https://new.example/a\n" +
		",https://old.example/b,https://new.example/b\n"
	req := httptest.NewRequest(http.MethodPost, "/api/runs/bulk?runName=upload", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		RunID      string `json:"runId"`
		TotalRows  int    `json:"totalRows"`
		ValidScans int    `json:"validScans"`
		Skipped    []struct {
			Row    int    `json:"row"`
			Reason string `json:"reason"`
		} `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.TotalRows)
	require.Equal(t, 1, body.ValidScans)
	require.Len(t, body.Skipped, 1)
	require.Equal(t, 2, body.Skipped[0].Row)
	require.Equal(t, "missing pagePath", body.Skipped[0].Reason)

	ts.waitCompleted(t, body.RunID)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListScansReturnsFullHistory(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := postJSON(t, ts.server.Handler(), "/api/runs/single", map[string]any{
		"urlOld": "https://old.example/h",
		"urlNew": "https://new.example/h",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	ts.waitCompleted(t, created["runId"])

	scansRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(scansRec, httptest.NewRequest(http.MethodGet, "/api/runs/"+created["runId"]+"/scans", nil))
	require.Equal(t, http.StatusOK, scansRec.Code)

	var scansBody struct {
		Scans []struct {
			ID string `json:"_id"`
		} `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(scansRec.Body.Bytes(), &scansBody))
	require.Len(t, scansBody.Scans, 1)

	rescanRec := postJSON(t, ts.server.Handler(), "/api/runs/"+created["runId"]+"/rescan", map[string]any{
		"scanIds": []string{scansBody.Scans[0].ID},
	})
	require.Equal(t, http.StatusAccepted, rescanRec.Code)
	ts.waitCompleted(t, created["runId"])

	historyRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(historyRec, httptest.NewRequest(http.MethodGet, "/api/runs/"+created["runId"]+"/scans", nil))
	require.NoError(t, json.Unmarshal(historyRec.Body.Bytes(), &scansBody))
	require.Len(t, scansBody.Scans, 2)
}

func TestDeleteScansRecounts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := postJSON(t, ts.server.Handler(), "/api/runs/single", map[string]any{
		"urlOld": "https://old.example/d",
		"urlNew": "https://new.example/d",
	})
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	ts.waitCompleted(t, created["runId"])

	scans, err := ts.store.ListScans(context.Background(), uuid.MustParse(created["runId"]), false)
	require.NoError(t, err)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/runs/"+created["runId"]+"/scans",
		strings.NewReader(`{"scanIds":["`+scans[0].ID.String()+`"]}`))
	delRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	run, err := ts.store.GetRun(context.Background(), uuid.MustParse(created["runId"]))
	require.NoError(t, err)
	require.Zero(t, run.TotalScans)
}

func TestStreamSendsHelloFrame(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	rec := postJSON(t, ts.server.Handler(), "/api/runs/single", map[string]any{
		"urlOld": "https://old.example/s",
		"urlNew": "https://new.example/s",
	})
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/runs/"+created["runId"]+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: hello\n", line)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, data, created["runId"])
}

func TestAPIKeyGuardsAPIRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "sekret")

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	okReq := httptest.NewRequest(http.MethodGet, "/api/runs/", nil)
	okReq.Header.Set("X-API-Key", "sekret")
	okRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(okRec, okReq)
	require.Equal(t, http.StatusOK, okRec.Code)

	healthRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(healthRec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, healthRec.Code)
}
