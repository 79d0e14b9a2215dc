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

func deploymentsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("app_id") != "billing" {
			t.Errorf("expected app_id=billing, got %q", q.Get("app_id"))
		}
		if q.Get("state") != "deployment_failed" {
			t.Errorf("expected state filter, got %q", q.Get("state"))
		}
		if q.Get("limit") != "5" {
			t.Errorf("expected limit=5, got %q", q.Get("limit"))
		}

		json.NewEncoder(w).Encode(api.ListDeploymentsResponse{Deployments: []api.DeploymentResponse{
			{ID: "d2", AppID: "billing", Sequence: 2, ScopeName: "x_billing", CommitID: "c2", BaselineCommitID: "c1", State: "deployment_failed", JobID: "job-2"},
		}})
	}))
}

func TestDeploymentsCommand_Table(t *testing.T) {
	resetViper()

	server := deploymentsServer(t)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "deployments", "--app", "billing", "--state", "deployment_failed", "--limit", "5")

	for _, want := range []string{"SEQ", "x_billing", "c2", "c1", "deployment_failed", "job-2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestDeploymentsCommand_YAML(t *testing.T) {
	resetViper()

	server := deploymentsServer(t)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "deployments", "--app", "billing", "--state", "deployment_failed", "--limit", "5", "-o", "yaml")

	for _, want := range []string{"- app_id: billing", "scope_name: x_billing", "baseline_commit_id: c1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestDeploymentsCommand_RequiresApp(t *testing.T) {
	resetViper()
	viper.Set("token", "test-token")

	output := execute(t, "deployments")

	if !strings.Contains(output, "--app is required") {
		t.Errorf("unexpected output: %s", output)
	}
}
