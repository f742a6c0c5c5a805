package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/csvsource"
	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/run"
)

type singleRunRequest struct {
	URLOld      string              `json:"urlOld"`
	URLNew      string              `json:"urlNew"`
	RunName     string              `json:"runName"`
	CheckConfig *record.CheckConfig `json:"checkConfig"`
}

type fetchRunRequest struct {
	CountryCode  string   `json:"countryCode"`
	BusinessUnit string   `json:"businessUnit"`
	Locales      []string `json:"locales"`
	BUCombined   []string `json:"buCombined"`
	RunName      string   `json:"runName"`
}

type scanIDsRequest struct {
	ScanIDs []string `json:"scanIds"`
}

type addScansRequest struct {
	Scans []struct {
		URLOld      string              `json:"urlOld"`
		URLNew      string              `json:"urlNew"`
		CheckConfig *record.CheckConfig `json:"checkConfig"`
	} `json:"scans"`
}

type updateScanRequest struct {
	URLOld      *string             `json:"urlOld"`
	URLNew      *string             `json:"urlNew"`
	CheckConfig *record.CheckConfig `json:"checkConfig"`
}

type renameRunRequest struct {
	RunName string `json:"runName"`
}

func (s *Server) createSingleRun(w http.ResponseWriter, r *http.Request) {
	var req singleRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.runs.CreateSingle(r.Context(), run.SingleRequest{
		URLOld:      req.URLOld,
		URLNew:      req.URLNew,
		RunName:     req.RunName,
		CheckConfig: req.CheckConfig,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"runId": created.ID.String()})
}

func (s *Server) createBulkRun(w http.ResponseWriter, r *http.Request) {
	rows, runName, err := s.readBulkUpload(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, report, err := s.runs.CreateBulk(r.Context(), runName, rows)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":      created.ID.String(),
		"totalRows":  report.TotalRows,
		"validScans": report.ValidScans,
		"skipped":    report.Skipped,
	})
}

// readBulkUpload accepts either a multipart form with a "file" part or a
// raw CSV request body.
func (s *Server) readBulkUpload(r *http.Request) ([]csvsource.Row, string, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("missing csv file upload")
		}
		defer file.Close()
		rows, err := csvsource.Parse(file)
		if err != nil {
			return nil, "", err
		}
		return rows, r.FormValue("runName"), nil
	}
	rows, err := csvsource.Parse(r.Body)
	if err != nil {
		return nil, "", err
	}
	return rows, r.URL.Query().Get("runName"), nil
}

func (s *Server) createFetchRun(w http.ResponseWriter, r *http.Request) {
	var req fetchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CountryCode == "" || req.BusinessUnit == "" {
		s.writeError(w, http.StatusBadRequest, "countryCode and businessUnit are required")
		return
	}
	created, report, err := s.runs.CreateFetch(r.Context(), record.FetchRequest{
		CountryCode:  req.CountryCode,
		BusinessUnit: req.BusinessUnit,
		Locales:      req.Locales,
		BUCombined:   req.BUCombined,
	}, req.RunName)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":      created.ID.String(),
		"totalRows":  report.TotalRows,
		"validScans": report.ValidScans,
		"skipped":    report.Skipped,
		"source":     created.FetchRequest,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	views := make([]runView, 0, len(runs))
	for _, rec := range runs {
		views = append(views, toRunView(rec, nil))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	rec, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err, "run")
		return
	}
	scans, err := s.store.ListScans(r.Context(), runID, false)
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load scans")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run": toRunView(rec, record.LatestScans(scans)),
	})
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, err, "run")
		return
	}
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	scans, err := s.store.ListScans(r.Context(), runID, includeDeleted)
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load scans")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scans": toScanViews(scans)})
}

func (s *Server) rescanScans(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req scanIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ids, err := parseScanIDs(req.ScanIDs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.runs.Rescan(r.Context(), runID, ids)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scanIds": idStrings(created)})
}

func (s *Server) rerunRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	n, err := s.runs.Rerun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"rescanned": n})
}

func (s *Server) addScans(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req addScansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	requests := make([]run.ScanRequest, 0, len(req.Scans))
	for _, scan := range req.Scans {
		requests = append(requests, run.ScanRequest{
			URLOld:      scan.URLOld,
			URLNew:      scan.URLNew,
			CheckConfig: scan.CheckConfig,
		})
	}
	created, err := s.runs.AddScans(r.Context(), runID, requests)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scanIds": idStrings(created)})
}

func (s *Server) updateScan(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	scanID, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	var req updateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	changed, err := s.runs.UpdateScan(r.Context(), runID, scanID, record.ScanUpdate{
		URLOld:      req.URLOld,
		URLNew:      req.URLNew,
		CheckConfig: req.CheckConfig,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) deleteScans(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req scanIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ids, err := parseScanIDs(req.ScanIDs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runs.DeleteScans(r.Context(), runID, ids); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": len(ids)})
}

func (s *Server) renameRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req renameRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.RunName) == "" {
		s.writeError(w, http.StatusBadRequest, "runName is required")
		return
	}
	if err := s.runs.RenameRun(r.Context(), runID, req.RunName); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"runName": strings.TrimSpace(req.RunName)})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrInvalidURL):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, record.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, record.ErrTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run operation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, record.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store read failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseScanIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, errors.New("scanIds is required")
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, errors.New("invalid scan id " + r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
