package cmd

import (
	"fmt"
	"io"

	"deployplane/pkg/api"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Trigger a deployment of a commit",
	Long: `Ask the broker to deploy a commit of an application to a target environment.

The broker computes the scopes changed since the last successful deployment,
waits for any deployment of the same app that is still running and then hands
one job per scope to the workers. The command returns once the request is
accepted; use 'depctl deployments' to follow progress.

Example:
  depctl deploy --app billing --commit 4f2a9c1 --to prod
  depctl deploy --app billing --commit 4f2a9c1 --from staging --to prod --run run-42`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		appID, _ := flags.GetString("app")
		commitID, _ := flags.GetString("commit")
		from, _ := flags.GetString("from")
		to, _ := flags.GetString("to")
		runID, _ := flags.GetString("run")

		client, ok := newClient(cmd)
		if !ok {
			return
		}

		if appID == "" {
			cmd.Println("Error: --app is required")
			return
		}
		if commitID == "" {
			cmd.Println("Error: --commit is required")
			return
		}
		if to == "" {
			cmd.Println("Error: --to is required")
			return
		}

		result, err := client.Deploy(api.DeployRequest{
			AppID:    appID,
			RunID:    runID,
			CommitID: commitID,
			From:     from,
			To:       to,
		})
		if err != nil {
			printAPIError(cmd, "Deploy", err)
			return
		}

		if err := render(cmd, result, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Deployment %s\nApp: %s\n", result.Status, result.AppID)
		}); err != nil {
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	flags := deployCmd.Flags()
	flags.StringP("app", "a", "", "Application id (required)")
	flags.StringP("commit", "c", "", "Commit to deploy (required)")
	flags.String("from", "", "Source environment (optional)")
	flags.String("to", "", "Target environment (required)")
	flags.String("run", "", "Id of the run that triggered the deployment (optional)")

	rootCmd.AddCommand(deployCmd)
}
