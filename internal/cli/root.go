package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "neura-orchestra",
	Short: "Bookkeeping service for ML training jobs",
	Long: `neura-orchestra records model versions, training jobs, metrics and
hyperparameters in a relational store and mirrors them to an MLflow
tracking server.

Configuration is read from NEURA_* environment variables and, when
NEURA_CONFIG_FILE is set, from a YAML file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
