package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/autotrader/internal/analyzer"
	"github.com/wonny/autotrader/internal/contracts"
)

// accountCmd manages brokerage accounts
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "계좌 관리",
	Long: `KIS 계좌를 등록/조회/활성화합니다.

Subcommands:
  add         - 계좌 등록
  list        - 계좌 목록
  validate    - 설정 검증 + KIS 인증 확인
  activate    - 활성화 (검증 통과 시)
  deactivate  - 비활성화 (보유 포지션은 계속 감시)
  allocate    - 호라이즌 비중 변경 (예: 30/40/30)
  remove      - 삭제 (활성 포지션이 없을 때만)
  recommend   - 시장 추세 기반 비중 추천 (자동 적용 안 함)

Example:
  go run ./cmd/trader account add --id main --app-key ... --app-secret ... --account-no 12345678 --capital 10000000
  go run ./cmd/trader account activate main`,
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "계좌 등록",
	RunE:  addAccount,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "계좌 목록",
	RunE:  listAccounts,
}

var accountValidateCmd = &cobra.Command{
	Use:   "validate [account_id]",
	Short: "설정 검증 + KIS 인증 확인",
	Args:  cobra.ExactArgs(1),
	RunE:  validateAccount,
}

var accountActivateCmd = &cobra.Command{
	Use:   "activate [account_id]",
	Short: "계좌 활성화",
	Args:  cobra.ExactArgs(1),
	RunE: withAccounts(func(ctx context.Context, id string, svc accountService) error {
		return svc.Activate(ctx, id)
	}, "activated"),
}

var accountDeactivateCmd = &cobra.Command{
	Use:   "deactivate [account_id]",
	Short: "계좌 비활성화",
	Args:  cobra.ExactArgs(1),
	RunE: withAccounts(func(ctx context.Context, id string, svc accountService) error {
		return svc.Deactivate(ctx, id)
	}, "deactivated"),
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove [account_id]",
	Short: "계좌 삭제",
	Args:  cobra.ExactArgs(1),
	RunE: withAccounts(func(ctx context.Context, id string, svc accountService) error {
		return svc.Remove(ctx, id)
	}, "removed"),
}

var accountAllocateCmd = &cobra.Command{
	Use:   "allocate [account_id] [short/mid/long]",
	Short: "호라이즌 비중 변경",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alloc, err := parseAllocation(args[1])
		if err != nil {
			return err
		}
		return withAccounts(func(ctx context.Context, id string, svc accountService) error {
			return svc.SetAllocation(ctx, id, alloc)
		}, "allocation set to "+alloc.String())(cmd, args[:1])
	},
}

var accountRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "시장 추세 기반 비중 추천",
	RunE:  recommendAllocation,
}

// account add flags
var newAccount struct {
	id, name, appKey, appSecret string
	accountNo, productCode      string
	htsID, mode, allocation     string
	capital                     int64
	active                      bool
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountValidateCmd,
		accountActivateCmd, accountDeactivateCmd, accountRemoveCmd,
		accountAllocateCmd, accountRecommendCmd)

	f := accountAddCmd.Flags()
	f.StringVar(&newAccount.id, "id", "", "계좌 ID (필수)")
	f.StringVar(&newAccount.name, "name", "", "표시 이름")
	f.StringVar(&newAccount.appKey, "app-key", "", "KIS app key")
	f.StringVar(&newAccount.appSecret, "app-secret", "", "KIS app secret")
	f.StringVar(&newAccount.accountNo, "account-no", "", "계좌번호 앞 8자리 (CANO)")
	f.StringVar(&newAccount.productCode, "product-code", "01", "계좌상품코드")
	f.StringVar(&newAccount.htsID, "hts-id", "", "HTS ID (체결통보 구독)")
	f.StringVar(&newAccount.mode, "mode", string(contracts.ModeSimulated), "SIM | REAL")
	f.Int64Var(&newAccount.capital, "capital", 0, "운용 자본 (KRW)")
	f.StringVar(&newAccount.allocation, "allocation", "30/40/30", "short/mid/long 비중 (%)")
	f.BoolVar(&newAccount.active, "active", false, "등록 즉시 활성화")
	_ = accountAddCmd.MarkFlagRequired("id")
}

// accountService is the account surface the commands use (account.Service)
type accountService interface {
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	SetAllocation(ctx context.Context, id string, alloc contracts.Allocation) error
}

// withAccounts runs fn against the account service for args[0]
func withAccounts(fn func(ctx context.Context, id string, svc accountService) error, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if err := fn(ctx, args[0], a.Accounts); err != nil {
			PrintError(err.Error())
			return err
		}
		PrintSuccess(fmt.Sprintf("Account %s %s", args[0], done))
		return nil
	}
}

func addAccount(cmd *cobra.Command, args []string) error {
	alloc, err := parseAllocation(newAccount.allocation)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	acc := &contracts.Account{
		ID:   newAccount.id,
		Name: newAccount.name,
		Credentials: contracts.Credentials{
			AppKey:      newAccount.appKey,
			AppSecret:   newAccount.appSecret,
			AccountNo:   newAccount.accountNo,
			ProductCode: newAccount.productCode,
			HtsID:       newAccount.htsID,
		},
		Mode:       contracts.AccountMode(strings.ToUpper(newAccount.mode)),
		Active:     newAccount.active,
		Capital:    newAccount.capital,
		Allocation: alloc,
	}
	if err := a.Accounts.Register(ctx, acc); err != nil {
		PrintError(err.Error())
		return err
	}

	PrintSuccess(fmt.Sprintf("Account %s registered (%s, %s)", acc.ID, acc.Mode, alloc))
	return nil
}

func listAccounts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	accounts, err := a.Accounts.List(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		PrintInfo("No accounts registered")
		return nil
	}

	widths := []int{12, 16, 6, 8, 16, 10}
	PrintTableHeader([]string{"ID", "NAME", "MODE", "ACTIVE", "CAPITAL", "ALLOC"}, widths)
	for _, acc := range accounts {
		PrintTableRow([]string{
			acc.ID,
			acc.Name,
			string(acc.Mode),
			strconv.FormatBool(acc.Active),
			FormatKRW(acc.Capital),
			acc.Allocation.String(),
		}, widths)
	}
	return nil
}

func validateAccount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	acc, err := a.Accounts.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if err := acc.Validate(); err != nil {
		PrintError(err.Error())
		return err
	}
	PrintSuccess("Configuration valid")

	b, err := a.Brokers.For(acc)
	if err != nil {
		return err
	}
	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.Authenticate(authCtx); err != nil {
		PrintError("KIS authentication failed: " + err.Error())
		return err
	}
	PrintSuccess(fmt.Sprintf("KIS authentication ok (%s)", acc.Mode))
	return nil
}

func recommendAllocation(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	trend, err := a.Analyzer.MarketTrend(ctx)
	if err != nil {
		return fmt.Errorf("market trend: %w", err)
	}
	alloc, err := analyzer.RecommendAllocation(trend)
	if err != nil {
		return err
	}

	PrintKeyValue("Trend", string(trend), 10)
	PrintKeyValue("Allocation", alloc.String()+" (short/mid/long)", 10)
	PrintInfo("Advisory only. Apply with: account allocate <id> " + alloc.String())
	return nil
}

// parseAllocation reads "short/mid/long" percentages
func parseAllocation(s string) (contracts.Allocation, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return contracts.Allocation{}, fmt.Errorf("allocation must be short/mid/long, got %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return contracts.Allocation{}, fmt.Errorf("allocation %q: %w", s, err)
		}
		vals[i] = v
	}
	alloc := contracts.Allocation{Short: vals[0], Mid: vals[1], Long: vals[2]}
	return alloc, alloc.Validate()
}
