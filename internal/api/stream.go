package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/events"
	"github.com/pageparity/pageparity/internal/metrics"
)

// streamRun serves GET /api/runs/{run_id}/stream as Server-Sent Events.
// A hello event confirms the subscription, then every pipeline event for
// the run is forwarded until the client disconnects or the broadcaster
// drops the subscriber for not keeping up.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, err, "run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.broadcaster.Subscribe(runID)
	defer s.broadcaster.Unsubscribe(sub)
	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	hello := events.New(events.EventHello, map[string]string{"runId": runID.String()})
	if err := writeSSE(w, hello); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("stream write failed",
					zap.String("run_id", runID.String()),
					zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	return nil
}
