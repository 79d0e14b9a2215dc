package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"deployplane/pkg/api"

	"github.com/spf13/viper"
)

func TestDeployCommand_Success(t *testing.T) {
	resetViper()

	var got api.DeployRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.DeployResponse{Status: "accepted", AppID: got.AppID})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "deploy", "--app", "billing", "--commit", "4f2a9c1", "--from", "staging", "--to", "prod", "--run", "run-42")

	want := api.DeployRequest{AppID: "billing", RunID: "run-42", CommitID: "4f2a9c1", From: "staging", To: "prod"}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
	if !strings.Contains(output, "Deployment accepted") {
		t.Errorf("expected acceptance message, got: %s", output)
	}
	if !strings.Contains(output, "billing") {
		t.Errorf("expected app id in output, got: %s", output)
	}
}

func TestDeployCommand_MissingFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"missing app", []string{"deploy", "--commit", "c", "--to", "prod"}, "--app is required"},
		{"missing commit", []string{"deploy", "--app", "a", "--to", "prod"}, "--commit is required"},
		{"missing target", []string{"deploy", "--app", "a", "--commit", "c"}, "--to is required"},
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

func TestDeployCommand_ValidationError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "to is required"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "deploy", "--app", "billing", "--commit", "abc", "--to", "prod")

	if !strings.Contains(output, "Deploy failed (400): to is required") {
		t.Errorf("unexpected output: %s", output)
	}
}
