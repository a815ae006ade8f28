package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "운영 API 서버 시작",
	Long: `운영 API 서버만 시작합니다 (cron 스케줄은 돌지 않음).

Endpoints:
  GET  /health                   - Health check
  GET  /api/positions            - 포지션 조회 (account, state, needs_intervention)
  GET  /api/jobs                 - 작업 상태 목록
  GET  /api/jobs/{name}          - 작업 상태 + 최근 실행
  POST /api/jobs/{name}/trigger  - 즉시 실행
  POST /api/jobs/{name}/enable   - 작업 활성화
  POST /api/jobs/{name}/disable  - 작업 비활성화

Example:
  go run ./cmd/trader api --port 8080`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본값 PORT)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Autotrader API Server ===")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if apiPort != "" {
		a.Config.Port = apiPort
	}
	if err := a.Restore(ctx); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	// 수동 trigger 대상 등록만; cron은 시작하지 않음
	if err := a.RegisterJobs(ctx); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", a.Config.Port)
	fmt.Println("\nPress Ctrl+C to stop")
	if err := a.APIServer().Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Scheduler.ShutdownTimeout)
	defer cancel()
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		return err
	}

	a.Logger.Info("Server stopped")
	return nil
}
