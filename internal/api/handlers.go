// Package api provides HTTP handlers for DialPilot endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DialPilot/internal/flow"
	"github.com/BTreeMap/DialPilot/internal/models"
	"github.com/BTreeMap/DialPilot/internal/store"
)

// callsHandler launches one driven call (POST /calls).
func (s *Server) callsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.callsHandler: processing call request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.callsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.callsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.callsHandler: validation failed", "error", err, "request", req)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Debug("Server.callsHandler: running call", "endpoint", req.Endpoint, "mode", req.Mode, "maxSteps", req.MaxSteps)
	report, err := s.runner.RunCall(r.Context(), req)
	if report != nil {
		if saveErr := s.st.SaveReport(*report); saveErr != nil {
			slog.Error("Server.callsHandler: failed to save report", "error", saveErr, "callID", report.ID)
		}
	}
	if err != nil {
		slog.Error("Server.callsHandler: call failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Call failed: "+err.Error()))
		return
	}

	slog.Info("Server.callsHandler: call finished", "callID", report.ID, "finalState", report.FinalState, "completed", report.Completed)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Call finished", report))
}

// reportsHandler returns stored call reports, newest first (GET /reports).
func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.reportsHandler: processing reports request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.reportsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			slog.Warn("Server.reportsHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = parsed
	}

	reports, err := s.st.ListReports(limit)
	if err != nil {
		slog.Error("Server.reportsHandler: failed to list reports", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch reports"))
		return
	}
	slog.Debug("Server.reportsHandler: reports fetched", "count", len(reports))
	writeJSONResponse(w, http.StatusOK, models.Success(reports))
}

// reportHandler serves a single report and its sub-resources
// (GET /reports/{id} and GET /reports/{id}/diagram).
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.reportHandler: processing report request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.reportHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/reports/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing report ID"))
		return
	}
	callID := segments[0]

	report, err := s.st.GetReport(callID)
	if err != nil {
		slog.Error("Server.reportHandler: failed to fetch report", "error", err, "callID", callID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch report"))
		return
	}
	if report == nil {
		slog.Warn("Server.reportHandler: report not found", "callID", callID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Report not found"))
		return
	}

	if len(segments) == 1 {
		writeJSONResponse(w, http.StatusOK, models.Success(report))
		return
	}
	if len(segments) == 2 && segments[1] == "diagram" {
		diagram := flow.Diagram(report)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(diagram)); err != nil {
			slog.Error("Server.reportHandler: failed to write diagram", "error", err, "callID", callID)
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown reports endpoint"))
}

// transitionsHandler returns aggregate transition tallies across all stored
// reports (GET /transitions).
func (s *Server) transitionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.transitionsHandler: processing transitions request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.transitionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	totals, err := s.st.TransitionTotals()
	if err != nil {
		slog.Error("Server.transitionsHandler: failed to fetch totals", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch transition totals"))
		return
	}
	slog.Debug("Server.transitionsHandler: totals fetched", "count", len(totals))
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"transitions": totals,
		"count":       len(totals),
	})
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// The report store doubles as the readiness check.
	if _, err := s.st.ListReports(1); err != nil {
		slog.Warn("Health check: failed to reach report store", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach report store"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
