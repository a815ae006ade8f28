package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wonny/autotrader/internal/api/handlers"
)

// positionsCmd reads positions
var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "포지션 조회",
}

var positionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "포지션 목록",
	Long: `포지션을 계좌/상태로 필터링해 조회합니다.

Example:
  go run ./cmd/trader positions list --state active
  go run ./cmd/trader positions list --account main --state EXIT_FAILED --attention`,
	RunE: listPositions,
}

var positionFlags struct {
	account   string
	states    string
	attention bool
}

func init() {
	rootCmd.AddCommand(positionsCmd)
	positionsCmd.AddCommand(positionsListCmd)

	f := positionsListCmd.Flags()
	f.StringVar(&positionFlags.account, "account", "", "계좌 ID")
	f.StringVar(&positionFlags.states, "state", "", "상태 (쉼표 구분, active = 진행 중 전체)")
	f.BoolVar(&positionFlags.attention, "attention", false, "수동 개입 필요 포지션만")
}

func listPositions(cmd *cobra.Command, args []string) error {
	filter, err := handlers.ParsePositionFilter(positionFlags.account, positionFlags.states)
	if err != nil {
		return err
	}
	if positionFlags.attention {
		t := true
		filter.NeedsIntervention = &t
	}

	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	positions, err := a.Engine.Positions(ctx, filter)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		PrintInfo("No positions")
		return nil
	}

	widths := []int{10, 8, 6, 14, 6, 12, 12, 12, 6}
	PrintTableHeader([]string{"ACCOUNT", "SYMBOL", "HORIZ", "STATE", "QTY", "ENTRY", "STOP", "TARGET", "FLAG"}, widths)
	for _, p := range positions {
		flag := ""
		if p.NeedsIntervention {
			flag = "⚠️"
		}
		PrintTableRow([]string{
			p.AccountID,
			p.Symbol,
			string(p.Horizon),
			string(p.State),
			strconv.Itoa(p.FilledQuantity),
			FormatKRW(p.EntryPrice),
			FormatKRW(p.StopLoss),
			FormatKRW(p.Target),
			flag,
		}, widths)
	}
	fmt.Printf("\n%d positions\n", len(positions))
	return nil
}
