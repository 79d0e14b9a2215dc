package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deployplane/pkg/api"

	"github.com/spf13/viper"
)

func TestWorkersCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workers" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.ListWorkersResponse{Workers: []api.WorkerResponse{
			{ID: "w1", Host: "dev01", Platform: "linux", Status: "busy", AssignedJobs: 1, ConnectedAt: time.Now().Add(-2 * time.Hour)},
		}})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "workers")

	for _, want := range []string{"HOST", "dev01", "linux", "busy", "2h ago"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestWorkersCommand_ServerError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "workers")

	if !strings.Contains(output, "List workers failed (500): boom") {
		t.Errorf("unexpected output: %s", output)
	}
}
