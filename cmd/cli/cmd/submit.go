package cmd

import (
	"encoding/json"

	"deployplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a named job to the broker",
	Long: `Submit a job by handler name. The broker queues it and hands it to the first
idle worker that matches the host affinity.

Example:
  depctl submit --name healthCheck
  depctl submit --name healthCheck --host dev01
  depctl submit --name deployUpdateSet --exclusive deploy:abc --options '{"appId":"billing"}'`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		host, _ := flags.GetString("host")
		exclusive, _ := flags.GetString("exclusive")
		options, _ := flags.GetString("options")

		client, ok := newClient(cmd)
		if !ok {
			return
		}

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		req := api.SubmitJobRequest{
			Name:        name,
			Host:        host,
			ExclusiveID: exclusive,
		}
		if options != "" {
			if !json.Valid([]byte(options)) {
				cmd.Println("Error: --options must be valid JSON")
				return
			}
			req.Options = json.RawMessage(options)
		}

		result, err := client.SubmitJob(req)
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("name", "n", "", "Handler name of the job (required)")
	flags.String("host", "", "Only run on workers registered for this host")
	flags.String("exclusive", "", "Exclusivity key; jobs sharing it never run concurrently")
	flags.String("options", "", "Job options as a JSON object")

	rootCmd.AddCommand(submitCmd)
}
