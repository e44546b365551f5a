package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/sink/clickhouse"
	"github.com/Montimage/maip-sub000/internal/snapshot"
)

const (
	apiPrefix           = "/api/v1"
	defaultHistoryLimit = 100
)

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	// Routes hang off the root router so a method mismatch answers 405.
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	r.HandleFunc(apiPrefix+"/snapshot", s.snapshotHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/snapshot/malicious.csv", s.maliciousCSVHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/session/start", s.startHandler).Methods("POST")
	r.HandleFunc(apiPrefix+"/session/stop", s.stopHandler).Methods("POST")
	r.HandleFunc(apiPrefix+"/session/status", s.statusHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/sessions/{id}/slices", s.slicesHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/sessions/{id}/slices/{slice}/history", s.sliceHistoryHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/sessions/{id}/predictions", s.predictionsHandler).Methods("GET")
	r.HandleFunc(apiPrefix+"/history", s.historyHandler).Methods("GET")
	return r
}

// StatusResponse is the lightweight session status.
type StatusResponse struct {
	Session    model.CaptureSession `json:"session"`
	Processing bool                 `json:"processing"`
	Pending    int                  `json:"pending"`
	Finished   bool                 `json:"finished"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.GetSnapshot())
}

func (s *Server) maliciousCSVHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.session.GetSnapshot()
	name := "malicious_flows.csv"
	if snap.SessionID != "" {
		name = fmt.Sprintf("malicious_flows_%s.csv", snap.SessionID)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := snapshot.WriteCSV(w, snap.MaliciousRows); err != nil {
		s.log.Error("failed to write csv export", "err", err)
	}
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	session, err := s.start(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("failed to stop capture: %v", err), httpStatus(err))
		return
	}
	s.statusHandler(w, r)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.session.GetSnapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Session:    snap.Session,
		Processing: snap.Processing,
		Pending:    snap.Pending,
		Finished:   snap.Finished,
	})
}

func (s *Server) slicesHandler(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger is not enabled", http.StatusNotFound)
		return
	}
	records, err := s.ledger.Slices(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query slices: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (s *Server) sliceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger is not enabled", http.StatusNotFound)
		return
	}
	vars := mux.Vars(r)
	history, err := s.ledger.History(r.Context(), vars["id"], vars["slice"])
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query slice history: %v", err), http.StatusInternalServerError)
		return
	}
	if len(history) == 0 {
		http.Error(w, "slice not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) predictionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger is not enabled", http.StatusNotFound)
		return
	}
	records, err := s.ledger.Predictions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query predictions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "clickhouse history is not enabled", http.StatusNotFound)
		return
	}
	f, err := parseHistoryFilter(r, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := s.history.SessionTotals(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(totals))
}

// parseHistoryFilter reads session, since (RFC3339 or a duration back
// from now) and limit.
func parseHistoryFilter(r *http.Request, now time.Time) (clickhouse.HistoryFilter, error) {
	q := r.URL.Query()
	f := clickhouse.HistoryFilter{SessionID: q.Get("session"), Limit: defaultHistoryLimit}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			f.Since = now.Add(-d)
		} else {
			return f, fmt.Errorf("invalid since: %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit: %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInterface):
		return http.StatusBadRequest
	}
	var startErr *model.CaptureStartError
	if errors.As(err, &startErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(jsonBytes)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
