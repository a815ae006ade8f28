package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wonny/autotrader/internal/app"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

var (
	// Global flags
	strategyFile string
	storeBackend string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "KIS 자동매매 파이프라인",
	Long: `Autotrader CLI

스크리닝 -> 분석 -> 주문 -> 포지션 감시 파이프라인을
한국투자증권(KIS) 계좌 단위로 실행합니다.

Usage:
  go run ./cmd/trader [command]

Examples:
  go run ./cmd/trader scheduler start
  go run ./cmd/trader scheduler run screening
  go run ./cmd/trader account list
  go run ./cmd/trader positions list --state active`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&strategyFile, "strategy", "", "strategy YAML file (overrides STRATEGY_FILE)")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "", "store backend: postgres | memory (overrides STORE_BACKEND)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the environment and applies the global flags
func loadConfig() (*config.Config, *logger.Logger, error) {
	if storeBackend != "" {
		os.Setenv("STORE_BACKEND", storeBackend)
	}
	if verbose {
		os.Setenv("LOG_LEVEL", "debug")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if strategyFile != "" {
		cfg.StrategyFile = strategyFile
	}
	return cfg, logger.New(cfg), nil
}

// bootstrap loads config and builds the app. Callers must Close it.
func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}
