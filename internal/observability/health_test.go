package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"aeroscraper/internal/observability"
)

func TestLivenessAlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", rec.Code)
	}
}

func TestReadinessFollowsState(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before ready = %d, want 503", rec.Code)
	}

	h.SetReady(true)
	if !h.IsReady() {
		t.Error("IsReady = false after SetReady(true)")
	}
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness after ready = %d, want 200", rec.Code)
	}

	// Readiness can flip back off during shutdown.
	h.SetReady(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness after unready = %d, want 503", rec.Code)
	}
}

func TestLoggerLevel(t *testing.T) {
	log := observability.NewLoggerWithLevel("test", zerolog.WarnLevel)
	if got := log.GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %s, want warn", got)
	}
}
