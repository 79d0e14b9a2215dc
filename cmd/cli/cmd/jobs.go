package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List broker jobs",
	Long: `List the jobs the broker currently tracks. Completed jobs stay visible
until the retention window passes.

Example:
  depctl jobs
  depctl jobs --status in-progress`,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")

		client, ok := newClient(cmd)
		if !ok {
			return
		}

		jobs, err := client.ListJobs(status)
		if err != nil {
			printAPIError(cmd, "List jobs", err)
			return
		}

		if err := render(cmd, jobs, func(w io.Writer) {
			if len(jobs) == 0 {
				fmt.Fprintln(w, "No jobs found")
				return
			}
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tHOST\tWORKER\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
					j.ID, j.Name, colorizeStatus(j.Status), orDash(j.Host), orDash(j.WorkerID), relativeTime(j.CreatedAt))
			}
		}); err != nil {
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	jobsCmd.Flags().String("status", "", "Only show jobs with this status (pending, in-progress, complete, failed)")

	rootCmd.AddCommand(jobsCmd)
}
