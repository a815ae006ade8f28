package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/autotrader/pkg/database"
)

// migrateCmd applies the embedded schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "DB 스키마 적용",
	Long: `내장된 schema.sql을 적용합니다. 여러 번 실행해도 안전합니다.

Example:
  go run ./cmd/trader migrate`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != "postgres" {
		PrintInfo("STORE_BACKEND is not postgres; nothing to migrate")
		return nil
	}

	db, err := database.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	log.Info("Schema applied")
	PrintSuccess("Schema applied")
	return nil
}
