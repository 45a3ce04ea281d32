package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetDaemonHealth() {
	daemon = &daemonHealth{startedAt: time.Now()}
}

func mustDecode(t *testing.T, body *httptest.ResponseRecorder, rep *HealthReport) {
	t.Helper()
	if err := json.NewDecoder(body.Body).Decode(rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestReportKVAndLockTrackedSeparately(t *testing.T) {
	resetDaemonHealth()

	ReportKV(true, "")
	ReportLock(false, "agent lock lost")

	kv, lock, _, _ := daemon.snapshot()
	if !kv.Healthy {
		t.Error("kv should be healthy")
	}
	if lock.Healthy {
		t.Error("lock should be unhealthy")
	}
	if lock.Reason != "agent lock lost" {
		t.Errorf("expected reason %q, got %q", "agent lock lost", lock.Reason)
	}
}

func TestHealthHandlerHealthyBeforeAnyReport(t *testing.T) {
	// §4.1: a daemon that hasn't finished wiring up KV/lock yet is still
	// "alive" for /health purposes, just not "ready".
	resetDaemonHealth()
	SetVersion("1.0.0")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var rep HealthReport
	mustDecode(t, w, &rep)
	if rep.Status != "healthy" {
		t.Errorf("expected healthy, got %s", rep.Status)
	}
	if rep.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", rep.Version)
	}
	if rep.Components["kv"] != "not reported" {
		t.Errorf("expected kv not reported, got %s", rep.Components["kv"])
	}
}

func TestHealthHandlerUnhealthyWhenSubsystemFails(t *testing.T) {
	resetDaemonHealth()
	ReportKV(true, "")
	ReportLock(false, "cannot reach bbolt file")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var rep HealthReport
	mustDecode(t, w, &rep)
	if rep.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", rep.Status)
	}
	if rep.Components["lock"] != "unhealthy: cannot reach bbolt file" {
		t.Errorf("unexpected lock component: %s", rep.Components["lock"])
	}
}

func TestReadyHandlerNotReadyUntilBothSubsystemsReport(t *testing.T) {
	resetDaemonHealth()
	ReportKV(true, "")
	// lock never reported.

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var rep HealthReport
	mustDecode(t, w, &rep)
	if rep.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", rep.Status)
	}
	if rep.Message == "" {
		t.Error("expected a message explaining what's missing")
	}
}

func TestReadyHandlerReadyOnceBothSubsystemsHealthy(t *testing.T) {
	resetDaemonHealth()
	ReportKV(true, "")
	ReportLock(true, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var rep HealthReport
	mustDecode(t, w, &rep)
	if rep.Status != "ready" {
		t.Errorf("expected ready, got %s", rep.Status)
	}
}

func TestReadyHandlerBlamesKVFirstWhenBothFail(t *testing.T) {
	resetDaemonHealth()
	ReportKV(false, "read timeout")
	ReportLock(false, "lease expired")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	var rep HealthReport
	mustDecode(t, w, &rep)
	if rep.Message != "waiting for kv" {
		t.Errorf("expected kv-first message, got %q", rep.Message)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetDaemonHealth()
	ReportKV(false, "down")
	ReportLock(false, "down")

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 regardless of subsystem health, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %s", body["status"])
	}
	if body["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}
