package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"deployplane/pkg/api"

	"github.com/spf13/viper"
)

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) string {
	t.Helper()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stdout.String()
}

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			return
		}
		called = true

		var req api.SubmitJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "healthCheck" {
			t.Errorf("expected name=healthCheck, got %v", req.Name)
		}
		if req.Host != "dev01" {
			t.Errorf("expected host=dev01, got %v", req.Host)
		}
		if string(req.Options) != `{"verbose":true}` {
			t.Errorf("unexpected options %s", req.Options)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitJobResponse{JobID: "job-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "submit", "--name", "healthCheck", "--host", "dev01", "--options", `{"verbose":true}`)

	if !called {
		t.Error("expected submit endpoint to be called")
	}
	if !strings.Contains(output, "Job submitted") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "job-123") {
		t.Errorf("expected job ID in output, got: %s", output)
	}
}

func TestSubmitCommand_MissingToken(t *testing.T) {
	resetViper()

	output := execute(t, "submit", "--name", "healthCheck")

	if !strings.Contains(output, "API token not found") {
		t.Errorf("expected token error, got: %s", output)
	}
}

func TestSubmitCommand_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"missing name", []string{"submit"}, "--name is required"},
		{"invalid options", []string{"submit", "--name", "x", "--options", "{nope"}, "must be valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			viper.Set("url", "http://127.0.0.1:1")
			viper.Set("token", "test-token")

			output := execute(t, tt.args...)
			if !strings.Contains(output, tt.wantMsg) {
				t.Errorf("expected %q, got: %s", tt.wantMsg, output)
			}
		})
	}
}

func TestSubmitCommand_UnauthorizedError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Invalid token"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "bad-token")

	output := execute(t, "submit", "--name", "healthCheck")

	if !strings.Contains(output, "401") {
		t.Errorf("expected 401 in output, got: %s", output)
	}
	if !strings.Contains(output, "Invalid token") {
		t.Errorf("expected API error message, got: %s", output)
	}
}
