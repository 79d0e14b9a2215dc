package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List connected worker agents",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := newClient(cmd)
		if !ok {
			return
		}

		workers, err := client.ListWorkers()
		if err != nil {
			printAPIError(cmd, "List workers", err)
			return
		}

		if err := render(cmd, workers, func(w io.Writer) {
			if len(workers) == 0 {
				fmt.Fprintln(w, "No workers connected")
				return
			}
			fmt.Fprintln(w, "ID\tHOST\tPLATFORM\tSTATUS\tJOBS\tCONNECTED")
			for _, wk := range workers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s ago\n",
					wk.ID, wk.Host, orDash(wk.Platform), wk.Status, wk.AssignedJobs, relativeTime(wk.ConnectedAt))
			}
		}); err != nil {
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
}
