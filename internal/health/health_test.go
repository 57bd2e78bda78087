package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	h := New(
		Checker{Name: "llm", Check: func(context.Context) error { return nil }},
		Checker{Name: "radio", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Checks["llm"] != "ok" || body.Checks["radio"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_Failure(t *testing.T) {
	h := New(
		Checker{Name: "llm", Check: func(context.Context) error { return errors.New("circuit open") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "fail" {
		t.Errorf("status field = %q", body.Status)
	}
	if body.Checks["llm"] != "fail: circuit open" {
		t.Errorf("checks = %v", body.Checks)
	}
}
