package cmd

import (
	"io"

	"deployplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve detailed status information for a broker job, including its current state (pending, in-progress, complete, failed), the worker running it and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := newClient(cmd)
		if !ok {
			return
		}

		job, err := client.GetJob(args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}

		if err := render(cmd, job, func(io.Writer) { printStatus(cmd, *job) }); err != nil {
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func printStatus(cmd *cobra.Command, job api.JobResponse) {
	cmd.Printf("%s %sJob Details%s\n", statusIcon(job.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, job.Name)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sWorker:%s      %s\n", colorDim, colorReset, orDash(job.WorkerID))

	if job.Host != "" {
		cmd.Printf("%sHost:%s        %s\n", colorDim, colorReset, job.Host)
	}
	if job.Error != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, job.Error, colorReset)
	}
	if len(job.Result) > 0 {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, string(job.Result))
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(job.StartedAt))

	if job.StartedAt != nil && job.CompletedAt != nil {
		duration := job.CompletedAt.Sub(*job.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(job.CompletedAt))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
