package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "depctl",
	Short: "depctl is a command line tool for interacting with the deployplane broker",
	Long: `depctl is the command-line interface for the deployplane deployment broker.

The broker accepts deployment requests, computes which scopes changed since the
last successful deployment and hands the work to connected worker agents over
mutual TLS. depctl talks to the broker's HTTP API.

Common workflows:

  Deploy a commit:
    depctl deploy --app billing --commit 4f2a9c1 --to prod

  Inspect deployments of an app:
    depctl deployments --app billing --state deployment_failed

  Submit a raw job and follow it:
    depctl submit --name healthCheck --host dev01
    depctl status <job-id>

  List connected workers:
    depctl workers -o yaml

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    DEPLOYPLANE_URL      API endpoint (default: http://localhost:6161)
    DEPLOYPLANE_TOKEN    API token for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".depctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".depctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "DEPLOYPLANE_VARNAME"
	viper.SetEnvPrefix("DEPLOYPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds a client from the resolved url and token, reporting a
// missing token on the command output.
func newClient(cmd *cobra.Command) (*DeployClient, bool) {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the DEPLOYPLANE_TOKEN environment variable")
		return nil, false
	}
	return NewDeployClient(viper.GetString("url"), token), true
}

func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.depctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "deployplane broker URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table or yaml")
	bindFlags()
}

func bindFlags() {
	for _, name := range []string{"url", "token", "output"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
