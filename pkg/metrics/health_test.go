package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealth() {
	health = &tracker{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

func TestReport(t *testing.T) {
	resetHealth()

	Report("lock_manager", CondOK, "running")

	if len(health.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(health.components))
	}
	st := health.components["lock_manager"]
	if st.Condition != CondOK {
		t.Errorf("expected ok, got %s", st.Condition)
	}
	if st.Message != "running" {
		t.Errorf("expected message 'running', got %q", st.Message)
	}
}

func TestReportLastWins(t *testing.T) {
	resetHealth()

	Report("status_store", CondOK, "bootstrapped")
	Report("status_store", CondDown, "raft leader lost")

	st := health.components["status_store"]
	if st.Condition != CondDown {
		t.Errorf("expected down after re-report, got %s", st.Condition)
	}
	if st.Message != "raft leader lost" {
		t.Errorf("unexpected message %q", st.Message)
	}
}

func TestOverall_AllOK(t *testing.T) {
	resetHealth()
	SetVersion("1.0.0")

	Report("status_store", CondOK, "")
	Report("orchestrator", CondOK, "")

	snap := Overall()
	if snap.Status != "ok" {
		t.Errorf("expected ok, got %s", snap.Status)
	}
	if len(snap.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(snap.Components))
	}
	if snap.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", snap.Version)
	}
}

func TestOverall_DegradedDoesNotMaskDown(t *testing.T) {
	resetHealth()

	Report("event_bus", CondDegraded, "buffering to status store")
	Report("status_store", CondDown, "not connected")

	snap := Overall()
	if snap.Status != "down" {
		t.Errorf("expected down, got %s", snap.Status)
	}
}

func TestOverall_DegradedOnly(t *testing.T) {
	resetHealth()

	Report("orchestrator", CondOK, "")
	Report("event_bus", CondDegraded, "publish backlog")

	snap := Overall()
	if snap.Status != "degraded" {
		t.Errorf("expected degraded, got %s", snap.Status)
	}
}

func TestReadiness_AllReady(t *testing.T) {
	resetHealth()
	MarkCritical("status_store", "orchestrator")

	Report("status_store", CondOK, "")
	Report("orchestrator", CondOK, "")

	snap := Readiness()
	if snap.Status != "ready" {
		t.Errorf("expected ready, got %s", snap.Status)
	}
}

func TestReadiness_MissingCritical(t *testing.T) {
	resetHealth()
	MarkCritical("status_store", "orchestrator")

	Report("status_store", CondOK, "")
	// orchestrator never reported

	snap := Readiness()
	if snap.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", snap.Status)
	}
	if len(snap.Missing) != 1 || snap.Missing[0] != "orchestrator" {
		t.Errorf("expected missing [orchestrator], got %v", snap.Missing)
	}
}

func TestReadiness_DegradedCriticalIsNotReady(t *testing.T) {
	resetHealth()
	MarkCritical("status_store")

	Report("status_store", CondDegraded, "raft catching up")

	snap := Readiness()
	if snap.Status != "not_ready" {
		t.Errorf("expected not_ready for degraded critical component, got %s", snap.Status)
	}
}

func TestReadiness_IgnoresNonCritical(t *testing.T) {
	resetHealth()
	MarkCritical("status_store")

	Report("status_store", CondOK, "")
	Report("event_bus", CondDown, "broker unreachable")

	snap := Readiness()
	if snap.Status != "ready" {
		t.Errorf("non-critical down component should not gate readiness, got %s", snap.Status)
	}
}

func TestHealthHandler_DegradedStill200(t *testing.T) {
	resetHealth()

	Report("event_bus", CondDegraded, "publish backlog")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("degraded should serve 200, got %d", w.Code)
	}
	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected degraded body, got %s", snap.Status)
	}
}

func TestHealthHandler_Down503(t *testing.T) {
	resetHealth()

	Report("status_store", CondDown, "broken")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth()
	MarkCritical("status_store", "orchestrator")

	Report("status_store", CondOK, "")
	Report("orchestrator", CondOK, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadyHandler_NotReady503(t *testing.T) {
	resetHealth()
	MarkCritical("status_store", "orchestrator")

	Report("status_store", CondOK, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", snap.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %q", body["status"])
	}
	if body["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}
