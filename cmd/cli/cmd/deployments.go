package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List deployments of an application",
	Long: `List the deployment rows of an application, newest sequence first.

Example:
  depctl deployments --app billing
  depctl deployments --app billing --state deployment_failed --limit 10 -o yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		appID, _ := flags.GetString("app")
		state, _ := flags.GetString("state")
		limit, _ := flags.GetInt("limit")

		client, ok := newClient(cmd)
		if !ok {
			return
		}

		if appID == "" {
			cmd.Println("Error: --app is required")
			return
		}

		deployments, err := client.ListDeployments(appID, state, limit)
		if err != nil {
			printAPIError(cmd, "List deployments", err)
			return
		}

		if err := render(cmd, deployments, func(w io.Writer) {
			if len(deployments) == 0 {
				fmt.Fprintln(w, "No deployments found")
				return
			}
			fmt.Fprintln(w, "SEQ\tSCOPE\tCOMMIT\tBASELINE\tSTATE\tJOB")
			for _, d := range deployments {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					d.Sequence, d.ScopeName, d.CommitID, orDash(d.BaselineCommitID), colorizeStatus(d.State), orDash(d.JobID))
			}
		}); err != nil {
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	flags := deploymentsCmd.Flags()
	flags.StringP("app", "a", "", "Application id (required)")
	flags.String("state", "", "Only show deployments in this state")
	flags.Int("limit", 0, "Maximum number of rows (server default 50)")

	rootCmd.AddCommand(deploymentsCmd)
}
