package contracts

import (
	"errors"
	"fmt"
)

// Kind classifies failures for retry and alerting decisions
type Kind string

const (
	KindConfiguration       Kind = "configuration"        // fatal at validation, alerts
	KindTransientAPI        Kind = "transient_api"        // timeout / rate limit, retried
	KindDuplicateEntry      Kind = "duplicate_entry"      // no-op, not retried
	KindDataQuality         Kind = "data_quality"         // symbol skipped
	KindOrderReconciliation Kind = "order_reconciliation" // flagged for manual review
	KindBrokerRejected      Kind = "broker_rejected"      // definite rejection, not retried
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInsufficientBudget = errors.New("insufficient budget")
)

// Error is the domain error carrying a Kind
type Error struct {
	Kind      Kind
	Op        string
	AccountID string
	Symbol    string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.AccountID != "" {
		msg += " account=" + e.AccountID
	}
	if e.Symbol != "" {
		msg += " symbol=" + e.Symbol
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable implements retry.Retryable
func (e *Error) Retryable() bool { return e.Kind == KindTransientAPI }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Configuration(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func TransientAPI(op string, err error) error {
	return &Error{Kind: KindTransientAPI, Op: op, Err: err}
}

func DuplicateEntry(accountID, symbol string) error {
	return &Error{Kind: KindDuplicateEntry, Op: "execution.enter", AccountID: accountID, Symbol: symbol,
		Msg: "an active position already exists"}
}

func DataQuality(symbol, format string, args ...interface{}) error {
	return &Error{Kind: KindDataQuality, Symbol: symbol, Msg: fmt.Sprintf(format, args...)}
}

func Reconciliation(accountID, symbol, format string, args ...interface{}) error {
	return &Error{Kind: KindOrderReconciliation, AccountID: accountID, Symbol: symbol, Msg: fmt.Sprintf(format, args...)}
}

func BrokerRejected(op, code, msg string) error {
	return &Error{Kind: KindBrokerRejected, Op: op, Msg: fmt.Sprintf("[%s] %s", code, msg)}
}
