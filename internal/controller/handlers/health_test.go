package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"deployplane/pkg/api"
)

func TestHealthz(t *testing.T) {
	h, st, _, _ := newTestHandlers()
	// Liveness does not depend on the store.
	st.pingErr = errors.New("store down")

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Healthz returned %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantField  string
		wantValue  string
	}{
		{"store reachable", nil, http.StatusOK, "status", "ready"},
		{"store unreachable", errors.New("connection refused"), http.StatusServiceUnavailable, "error", "Database unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, st, _, _ := newTestHandlers()
			st.pingErr = tt.pingErr

			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("Readyz returned %d, want %d", rr.Code, tt.wantStatus)
			}

			if tt.wantField == "error" {
				var e api.ErrorResponse
				if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if e.Error != tt.wantValue {
					t.Errorf("error = %q, want %q", e.Error, tt.wantValue)
				}
				return
			}

			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body[tt.wantField] != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantField, body[tt.wantField], tt.wantValue)
			}
		})
	}
}
