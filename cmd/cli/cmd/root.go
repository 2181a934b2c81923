package cmd

import (
	"fmt"
	"os"

	"flowplane/pkg/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Flowctl is a command line tool for interacting with the flowplane orchestrator",
	Long: `flowctl is the command-line interface for the flowplane orchestration core.

Flowplane coordinates recurring data-producing jobs: tasks are
dispatched to workers under lease-based fencing, outputs are committed
as immutable dataset versions, and committed versions trigger
downstream consumer jobs through the declared dependency graph.

Common workflows:

  Register a dataset:
    flowctl dataset create --name "normalized-events"

  Declare a job with its edges:
    flowctl job create --name "normalize" --operator "acme/normalize:v3" \
      --trust-class untrusted-bundle --update-strategy replace \
      --input <dataset-id> --output <dataset-id>

  Trigger a task and watch it:
    flowctl job trigger <job-id>
    flowctl task status <task-id>

  Inspect failed outbox entries:
    flowctl outbox list
    flowctl outbox retry <entry-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    FLOWPLANE_URL      API endpoint (default: http://localhost:7070)
    FLOWPLANE_TOKEN    Org API key for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

// apiClient builds a client from the resolved configuration.
func apiClient() *client.Client {
	return client.New(viper.GetString("url"), viper.GetString("token"))
}

// requireToken prints the standard hint when no credential is set.
func requireToken(cmd *cobra.Command) bool {
	if viper.GetString("token") == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the FLOWPLANE_TOKEN environment variable")
		return false
	}
	return true
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

		// Search config in home directory with name ".flowctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".flowctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FLOWPLANE_VARNAME"
	viper.SetEnvPrefix("FLOWPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7070", "Flowplane orchestrator URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
