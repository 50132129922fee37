package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
	"github.com/BTreeMap/DialPilot/internal/store"
)

// mockRunner implements CallRunner for testing.
type mockRunner struct {
	report *models.CallReport
	err    error
	gotReq models.CallRequest
	calls  int
}

func (m *mockRunner) RunCall(ctx context.Context, req models.CallRequest) (*models.CallReport, error) {
	m.calls++
	m.gotReq = req
	return m.report, m.err
}

func finishedReport(id string) *models.CallReport {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.CallReport{
		ID:         id,
		Endpoint:   "https://pharmacy.example/voice",
		Mode:       models.SessionModeScripted,
		Completed:  true,
		FinalState: models.StateWeeklyHours,
		Steps: []models.Step{
			{Index: 0, State: models.StateMainMenu, Action: models.Action{Name: "pharmacy hours", Input: "4"}, At: now},
		},
		TransitionCounts: map[string]int{
			models.TransitionKey(models.StateMainMenu, models.StatePharmacyHours): 1,
		},
		StartedAt: now.Add(-time.Minute),
		EndedAt:   now,
		CreatedAt: now,
	}
}

func newTestServer(runner *mockRunner) (*Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	return NewServer(runner, st, WithAddr(":0")), st
}

func createJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return resp
}

func TestCallsHandler_Success(t *testing.T) {
	runner := &mockRunner{report: finishedReport("CAapi1")}
	server, st := newTestServer(runner)

	req := createJSONRequest(t, "POST", "/calls", `{"mode":"scripted","max_steps":10}`)
	rr := httptest.NewRecorder()
	server.callsHandler(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeAPIResponse(t, rr)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if runner.calls != 1 {
		t.Errorf("expected 1 runner call, got %d", runner.calls)
	}
	if runner.gotReq.Mode != models.SessionModeScripted || runner.gotReq.MaxSteps != 10 {
		t.Errorf("runner request mismatch: %+v", runner.gotReq)
	}

	saved, err := st.GetReport("CAapi1")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if saved == nil {
		t.Error("expected report to be persisted")
	}
}

func TestCallsHandler_BadJSON(t *testing.T) {
	server, _ := newTestServer(&mockRunner{report: finishedReport("CAapi2")})

	req := createJSONRequest(t, "POST", "/calls", `{"mode":`)
	rr := httptest.NewRecorder()
	server.callsHandler(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if resp := decodeAPIResponse(t, rr); resp.Status != "error" {
		t.Errorf("expected status error, got %s", resp.Status)
	}
}

func TestCallsHandler_InvalidMode(t *testing.T) {
	runner := &mockRunner{report: finishedReport("CAapi3")}
	server, _ := newTestServer(runner)

	req := createJSONRequest(t, "POST", "/calls", `{"mode":"chaotic"}`)
	rr := httptest.NewRecorder()
	server.callsHandler(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if runner.calls != 0 {
		t.Errorf("runner should not run for invalid mode, got %d calls", runner.calls)
	}
}

func TestCallsHandler_RunnerError(t *testing.T) {
	report := finishedReport("CAapi4")
	report.Completed = false
	report.ErrorMessage = "dial tcp: connection refused"
	runner := &mockRunner{report: report, err: context.DeadlineExceeded}
	server, st := newTestServer(runner)

	req := createJSONRequest(t, "POST", "/calls", `{}`)
	rr := httptest.NewRecorder()
	server.callsHandler(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	// Partial reports are still persisted for post-mortems.
	saved, err := st.GetReport("CAapi4")
	if err != nil || saved == nil {
		t.Errorf("expected partial report to be persisted, got %v, %v", saved, err)
	}
}

func TestCallsHandler_MethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(&mockRunner{report: finishedReport("CAapi5")})

	req := httptest.NewRequest("GET", "/calls", nil)
	rr := httptest.NewRecorder()
	server.callsHandler(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", allow)
	}
}

func TestReportsHandler_ListsReports(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	if err := st.SaveReport(*finishedReport("CAlist1")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := st.SaveReport(*finishedReport("CAlist2")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/reports", nil)
	rr := httptest.NewRecorder()
	server.reportsHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeAPIResponse(t, rr)
	results, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected result list, got %T", resp.Result)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 reports, got %d", len(results))
	}
}

func TestReportsHandler_Limit(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	for _, id := range []string{"CAlim1", "CAlim2", "CAlim3"} {
		if err := st.SaveReport(*finishedReport(id)); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/reports?limit=2", nil)
	rr := httptest.NewRecorder()
	server.reportsHandler(rr, req)

	resp := decodeAPIResponse(t, rr)
	results, ok := resp.Result.([]interface{})
	if !ok || len(results) != 2 {
		t.Errorf("expected 2 reports with limit=2, got %v", resp.Result)
	}

	req = httptest.NewRequest("GET", "/reports?limit=zero", nil)
	rr = httptest.NewRecorder()
	server.reportsHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestReportHandler_FetchesByID(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	if err := st.SaveReport(*finishedReport("CAfetch")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/reports/CAfetch", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeAPIResponse(t, rr)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected report object, got %T", resp.Result)
	}
	if result["id"] != "CAfetch" {
		t.Errorf("expected report CAfetch, got %v", result["id"])
	}
}

func TestReportHandler_NotFound(t *testing.T) {
	server, _ := newTestServer(&mockRunner{})

	req := httptest.NewRequest("GET", "/reports/CAmissing", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestReportHandler_Diagram(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	if err := st.SaveReport(*finishedReport("CAdiag")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/reports/CAdiag/diagram", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "stateDiagram-v2") {
		t.Errorf("expected Mermaid diagram, got %q", body)
	}
	if !strings.Contains(body, "MAIN_MENU --> PHARMACY_HOURS") {
		t.Errorf("diagram missing observed transition:\n%s", body)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain diagram, got %q", ct)
	}
}

func TestReportHandler_UnknownSubresource(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	if err := st.SaveReport(*finishedReport("CAsub")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/reports/CAsub/audio", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestTransitionsHandler_ReturnsTotals(t *testing.T) {
	server, st := newTestServer(&mockRunner{})
	if err := st.SaveReport(*finishedReport("CAtot1")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if err := st.SaveReport(*finishedReport("CAtot2")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/transitions", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Transitions map[string]int `json:"transitions"`
		Count       int            `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode transitions response: %v", err)
	}
	key := models.TransitionKey(models.StateMainMenu, models.StatePharmacyHours)
	if payload.Transitions[key] != 2 {
		t.Errorf("expected tally 2 for %s, got %d", key, payload.Transitions[key])
	}
	if payload.Count != 1 {
		t.Errorf("expected 1 distinct transition, got %d", payload.Count)
	}
}

func TestHealthHandler_Healthy(t *testing.T) {
	server, _ := newTestServer(&mockRunner{})

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", health["status"])
	}
}

func TestNewServer_AddrFallback(t *testing.T) {
	t.Setenv("DIALPILOT_API_ADDR", ":9999")
	server := NewServer(&mockRunner{}, store.NewInMemoryStore())
	if server.addr != ":9999" {
		t.Errorf("expected env addr, got %q", server.addr)
	}

	t.Setenv("DIALPILOT_API_ADDR", "")
	server = NewServer(&mockRunner{}, store.NewInMemoryStore())
	if server.addr != DefaultAddr {
		t.Errorf("expected default addr, got %q", server.addr)
	}
}
