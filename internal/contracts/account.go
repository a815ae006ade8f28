package contracts

import (
	"fmt"
	"time"
)

// AccountMode selects the KIS environment
type AccountMode string

const (
	ModeSimulated AccountMode = "SIM"  // 모의투자
	ModeReal      AccountMode = "REAL" // 실전투자
)

// Credentials for one brokerage account
type Credentials struct {
	AppKey      string `json:"-"`
	AppSecret   string `json:"-"`
	AccountNo   string `json:"account_no"`   // CANO (8자리)
	ProductCode string `json:"product_code"` // ACNT_PRDT_CD, 보통 "01"
	HtsID       string `json:"hts_id"`       // 체결통보 구독용
}

// Allocation holds integer percentages per horizon; they must sum to 100
type Allocation struct {
	Short int `json:"short" yaml:"short"`
	Mid   int `json:"mid" yaml:"mid"`
	Long  int `json:"long" yaml:"long"`
}

// Percent returns the percentage configured for h
func (a Allocation) Percent(h Horizon) (int, error) {
	switch h {
	case HorizonShort:
		return a.Short, nil
	case HorizonMid:
		return a.Mid, nil
	case HorizonLong:
		return a.Long, nil
	default:
		return 0, fmt.Errorf("unknown horizon %q", h)
	}
}

// Validate checks the sum and sign of the percentages
func (a Allocation) Validate() error {
	if a.Short < 0 || a.Mid < 0 || a.Long < 0 {
		return Configuration("allocation.validate", "allocation percentages must be non-negative (short=%d mid=%d long=%d)", a.Short, a.Mid, a.Long)
	}
	if sum := a.Short + a.Mid + a.Long; sum != 100 {
		return Configuration("allocation.validate", "allocation percentages must sum to 100, got %d", sum)
	}
	return nil
}

func (a Allocation) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Short, a.Mid, a.Long)
}

// Account is a brokerage account the pipeline trades for
// ⭐ SSOT: 계좌 설정
type Account struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Credentials Credentials `json:"credentials"`
	Mode        AccountMode `json:"mode"`
	Active      bool        `json:"active"`
	Capital     int64       `json:"capital"` // KRW
	Allocation  Allocation  `json:"allocation"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate returns a configuration error when the account cannot be activated
func (a *Account) Validate() error {
	if a.ID == "" {
		return Configuration("account.validate", "account id is required")
	}
	if a.Credentials.AppKey == "" || a.Credentials.AppSecret == "" || a.Credentials.AccountNo == "" {
		return Configuration("account.validate", "account %s: app key, app secret and account number are required", a.ID)
	}
	if a.Mode != ModeSimulated && a.Mode != ModeReal {
		return Configuration("account.validate", "account %s: mode must be SIM or REAL, got %q", a.ID, a.Mode)
	}
	if a.Capital <= 0 {
		return Configuration("account.validate", "account %s: capital must be positive", a.ID)
	}
	if err := a.Allocation.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	return nil
}

// IsVirtual reports whether the account trades on the KIS simulator
func (a *Account) IsVirtual() bool {
	return a.Mode == ModeSimulated
}
