// Package notify delivers operator alerts: escalated exits, position drift,
// auto-disabled jobs and configuration failures.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

// Alerter sends an alert to the operator. Delivery failures are logged by
// the implementation; callers never block on alerting.
type Alerter interface {
	Alert(ctx context.Context, title, message string)
}

// ============================================================
// Log alerter
// ============================================================

// LogAlerter writes alerts to the structured log only
type LogAlerter struct {
	logger *logger.Logger
}

func NewLogAlerter(log *logger.Logger) *LogAlerter {
	return &LogAlerter{logger: log}
}

func (a *LogAlerter) Alert(ctx context.Context, title, message string) {
	a.logger.WithFields(map[string]interface{}{
		"alert": title,
	}).Error(message)
}

// ============================================================
// Telegram alerter
// ============================================================

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramAlerter sends alerts to one chat through the Bot API
type TelegramAlerter struct {
	sender  messageSender
	chatID  int64
	timeout time.Duration
	logger  *logger.Logger
}

// NewTelegramAlerter connects a bot for cfg.ChatID
func NewTelegramAlerter(cfg config.TelegramConfig, log *logger.Logger) (*TelegramAlerter, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	b, err := bot.New(cfg.Token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramAlerter{sender: b, chatID: cfg.ChatID, timeout: 10 * time.Second, logger: log}, nil
}

func (a *TelegramAlerter) Alert(ctx context.Context, title, message string) {
	// 알림은 호출자 취소와 무관하게 전송
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	_, err := a.sender.SendMessage(sendCtx, &bot.SendMessageParams{
		ChatID: a.chatID,
		Text:   fmt.Sprintf("[%s]\n%s", title, message),
	})
	if err != nil {
		a.logger.WithError(err).WithField("alert", title).Warn("Failed to deliver telegram alert")
	}
}

// ============================================================
// Fan-out
// ============================================================

// Multi sends every alert to all alerters in order
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, title, message string) {
	for _, a := range m {
		a.Alert(ctx, title, message)
	}
}

// New builds the alerter for cfg: always the log, plus Telegram when configured
func New(cfg config.TelegramConfig, log *logger.Logger) Alerter {
	alerters := Multi{NewLogAlerter(log)}
	if cfg.Token == "" {
		return alerters
	}
	tg, err := NewTelegramAlerter(cfg, log)
	if err != nil {
		log.WithError(err).Warn("Telegram alerts disabled")
		return alerters
	}
	return append(alerters, tg)
}

// ============================================================
// Recorder
// ============================================================

// Alert is one recorded alert
type Alert struct {
	Title   string
	Message string
}

// Recorder keeps alerts in memory
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Alert(ctx context.Context, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Title: title, Message: message})
}

// Alerts returns a copy of everything recorded so far
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
