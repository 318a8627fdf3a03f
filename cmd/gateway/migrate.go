package main

import (
	"fmt"

	"github.com/jschibelli/ai-create-assistant/internal/shared/config"
	"github.com/jschibelli/ai-create-assistant/internal/shared/database"
	"github.com/jschibelli/ai-create-assistant/internal/shared/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	return database.Migrate(cfg.DatabaseURL, log)
}
