package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/autotrader/internal/app"
	"github.com/wonny/autotrader/internal/scheduler"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄러 관리",
	Long: `스케줄러를 시작하거나 작업을 관리합니다.

Subcommands:
  start   - 스케줄러 + 체결 스트림 + API 시작
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행 (완료까지 대기)
  status  - 작업 상태 조회

Example:
  go run ./cmd/trader scheduler start
  go run ./cmd/trader scheduler run analysis`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		Long: `스케줄러를 시작하고 등록된 모든 작업을 스케줄합니다.

등록되는 작업:
- screening: 장 시작 전 유니버스 스크리닝
- analysis:  스크리닝 후 후보 분석
- execution: 장 시작 후 진입 주문
- monitor:   장중 손절/목표가 감시
- reconcile: 장중 보유 수량 대조

Ctrl+C로 종료하면 진행 중인 작업을 취소하고 종료를 기다립니다.`,
		RunE: runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}

	schedulerStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "작업 상태 조회",
		RunE:  showStatus,
	}
)

var withAPI bool

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
	schedulerCmd.AddCommand(schedulerStatusCmd)

	schedulerStartCmd.Flags().BoolVar(&withAPI, "api", true, "운영 API 서버 함께 시작")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Autotrader Scheduler ===")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.Restore(ctx); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	if err := a.RegisterJobs(ctx); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	streamsDone := make(chan struct{})
	go func() {
		defer close(streamsDone)
		if err := a.RunStreams(ctx); err != nil && ctx.Err() == nil {
			a.Logger.WithError(err).Error("Execution streams stopped")
		}
	}()

	apiDone := make(chan struct{})
	if withAPI {
		go func() {
			defer close(apiDone)
			serveAPI(ctx, a)
		}()
	} else {
		close(apiDone)
	}

	a.Scheduler.Start()

	PrintSuccess("Scheduler started")
	fmt.Println("\nRegistered jobs:")
	PrintList(a.Scheduler.GetAllJobs())
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down scheduler...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		PrintWarning(err.Error())
	}
	<-streamsDone
	<-apiDone

	fmt.Println("Scheduler stopped")
	return nil
}

// serveAPI runs the operator API until ctx is done
func serveAPI(ctx context.Context, a *app.App) {
	fmt.Printf("\n✅ API running on http://localhost:%s\n", a.Config.Port)
	if err := a.APIServer().Run(ctx); err != nil {
		a.Logger.WithError(err).Error("API server failed")
	}
}

func listJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.RegisterJobs(ctx); err != nil {
		return err
	}

	widths := []int{12, 22, 10, 8}
	PrintTableHeader([]string{"JOB", "SCHEDULE", "LOCK", "ENABLED"}, widths)
	for _, st := range a.Scheduler.Statuses() {
		PrintTableRow([]string{st.Name, st.Schedule, st.LockKey, strconv.FormatBool(st.Enabled)}, widths)
	}
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.Restore(ctx); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	if err := a.RegisterJobs(ctx); err != nil {
		return err
	}

	PrintDoubleSeparator()
	fmt.Printf("  %s\n", jobName)
	PrintSeparator()

	result, err := a.Scheduler.RunNow(ctx, jobName)
	if err != nil && result.RunID == "" {
		return fmt.Errorf("run job: %w", err)
	}

	PrintKeyValue("Run ID", result.RunID, 8)
	PrintKeyValue("Duration", result.Duration.Round(time.Millisecond).String(), 8)
	if !result.Success {
		PrintError(result.Error)
		return fmt.Errorf("job %s failed", jobName)
	}
	PrintSuccess(fmt.Sprintf("Job %s completed", jobName))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.RegisterJobs(ctx); err != nil {
		return err
	}

	fmt.Println("Job Status:")
	fmt.Println()
	for _, st := range a.Scheduler.Statuses() {
		printJobStatus(st)
	}
	return nil
}

func printJobStatus(st scheduler.JobStatus) {
	state := "enabled"
	if !st.Enabled {
		state = "disabled"
	}
	if st.NeedsAttention {
		state += " ⚠️ needs attention"
	}

	fmt.Printf("📊 %s (%s)\n", st.Name, state)
	PrintKeyValue("Schedule", st.Schedule, 20)
	PrintKeyValue("Consecutive Failures", strconv.Itoa(st.ConsecutiveFailures), 20)
	if st.NextRun != nil {
		PrintKeyValue("Next Run", st.NextRun.Format("2006-01-02 15:04:05"), 20)
	}
	if st.LastRun != nil {
		PrintKeyValue("Last Run", st.LastRun.Format("2006-01-02 15:04:05"), 20)
	}
	if st.LastError != "" {
		PrintKeyValue("Last Error", st.LastError, 20)
	}
	fmt.Println()
}
