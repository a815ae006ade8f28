package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

type fakeSender struct {
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.sent = append(f.sent, params)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: len(f.sent)}, nil
}

func TestTelegramAlerter(t *testing.T) {
	sender := &fakeSender{}
	a := &TelegramAlerter{sender: sender, chatID: 42, timeout: time.Second, logger: logger.NewNop()}

	a.Alert(context.Background(), "exit escalated", "acc-1 005930 needs intervention")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "[exit escalated]")
	assert.Contains(t, sender.sent[0].Text, "005930")
}

func TestTelegramAlerterDeliveryFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	sender := &fakeSender{err: errors.New("chat not found")}
	a := &TelegramAlerter{sender: sender, chatID: 42, timeout: time.Second, logger: logger.NewWithWriter(&buf)}

	// 취소된 컨텍스트여도 전송 시도
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Alert(ctx, "drift", "quantity mismatch")

	assert.Len(t, sender.sent, 1)
	assert.Contains(t, buf.String(), "chat not found")
}

func TestNewWithoutTelegram(t *testing.T) {
	a := New(config.TelegramConfig{}, logger.NewNop())
	m, ok := a.(Multi)
	require.True(t, ok)
	assert.Len(t, m, 1)
}

func TestMultiAndRecorder(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	Multi{r1, r2}.Alert(context.Background(), "job disabled", "screening failed 3 times")

	assert.Equal(t, []Alert{{Title: "job disabled", Message: "screening failed 3 times"}}, r1.Alerts())
	assert.Len(t, r2.Alerts(), 1)
}
