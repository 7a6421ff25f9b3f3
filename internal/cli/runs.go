package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print the tracking server's runs as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return printRuns(cmd.Context(), a, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func printRuns(ctx context.Context, a *app, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runs, err := a.service.ListRuns(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{"runs": runs})
}
