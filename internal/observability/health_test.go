package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler_OK(t *testing.T) {
	handler := HealthCheckHandler(HealthInfo{
		LLM:     "gateway",
		Clients: func() int { return 2 },
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", body.Status)
	}
	if body.LLM != "gateway" {
		t.Errorf("Expected llm 'gateway', got '%s'", body.LLM)
	}
	if body.Clients != 2 {
		t.Errorf("Expected 2 clients, got %d", body.Clients)
	}
	if body.MissingKeys == nil || len(body.MissingKeys) != 0 {
		t.Errorf("Expected empty missing_keys list, got %v", body.MissingKeys)
	}
}

func TestHealthCheckHandler_MissingKeys(t *testing.T) {
	handler := HealthCheckHandler(HealthInfo{
		MissingKeys: []string{"DEEPGRAM_API_KEY"},
		LLM:         "anthropic",
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}

	if body.Status != "missing_keys" {
		t.Errorf("Expected status 'missing_keys', got '%s'", body.Status)
	}
	if len(body.MissingKeys) != 1 || body.MissingKeys[0] != "DEEPGRAM_API_KEY" {
		t.Errorf("Expected [DEEPGRAM_API_KEY], got %v", body.MissingKeys)
	}
}

func TestReadinessHandler(t *testing.T) {
	deps := map[string]string{
		"deepgram":   "DEEPGRAM_API_KEY",
		"elevenlabs": "ELEVENLABS_API_KEY",
	}

	ready := ReadinessHandler(HealthInfo{LLM: "gateway", Dependencies: deps})
	rec := httptest.NewRecorder()
	ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 when configured, got %d", rec.Code)
	}

	notReady := ReadinessHandler(HealthInfo{
		LLM:          "gateway",
		MissingKeys:  []string{"ELEVENLABS_API_KEY"},
		Dependencies: deps,
	})
	rec = httptest.NewRecorder()
	notReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with missing keys, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Dependencies["elevenlabs"].Status != "unconfigured" {
		t.Errorf("Expected elevenlabs unconfigured, got %+v", body.Dependencies["elevenlabs"])
	}
	if body.Dependencies["deepgram"].Status != "configured" {
		t.Errorf("Expected deepgram configured, got %+v", body.Dependencies["deepgram"])
	}
}
