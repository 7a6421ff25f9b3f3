package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/neura-orchestra/internal/store"
)

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the database tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("NEURA_DATABASE_URL or DATABASE_URL required")
		}
		_, db, err := store.Open(context.Background(), cfg.DatabaseURL, 1)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info().Msg("schema ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initSchemaCmd)
}
