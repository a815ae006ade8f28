package kis

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

// notice builds a 23-field execution notice body
func notice(orderNo, origNo, side, correction, symbol string, execQty, execPrice int, reject, executed string, orderQty int) string {
	f := make([]string, noticeFields)
	f[0] = "trader01"
	f[1] = "5001234501"
	f[fOrderNo] = orderNo
	f[3] = origNo
	f[fSide] = side
	f[fCorrection] = correction
	f[fSymbol] = symbol
	f[fExecQty] = strconv.Itoa(execQty)
	f[fExecPrice] = strconv.Itoa(execPrice)
	f[11] = "090501"
	f[fReject] = reject
	f[fExecuted] = executed
	f[fOrderQty] = strconv.Itoa(orderQty)
	f[22] = strconv.Itoa(execPrice)
	return strings.Join(f, "^")
}

func TestParseNoticeAccumulatesFills(t *testing.T) {
	s := newStream(&Client{account: *testAccount(), logger: logger.NewNop(), now: time.Now})

	// 접수 통보는 무시
	assert.Nil(t, s.parseNotice(notice("0001", "", "02", "0", "005930", 0, 0, "N", "1", 10)))

	ev := s.parseNotice(notice("0001", "", "02", "0", "005930", 4, 100, "N", "2", 10))
	require.NotNil(t, ev)
	assert.Equal(t, contracts.OrderPartiallyFilled, ev.Status)
	assert.Equal(t, 4, ev.FilledQuantity)
	assert.Equal(t, contracts.OrderSideBuy, ev.Side)

	ev = s.parseNotice(notice("0001", "", "02", "0", "005930", 6, 110, "N", "2", 10))
	require.NotNil(t, ev)
	assert.Equal(t, contracts.OrderFilled, ev.Status)
	assert.Equal(t, 10, ev.FilledQuantity)
	assert.Equal(t, int64(106), ev.Price)
	assert.Equal(t, "acc-1", ev.AccountID)
}

func TestParseNoticeRejectAndCancel(t *testing.T) {
	s := newStream(&Client{account: *testAccount(), logger: logger.NewNop(), now: time.Now})

	ev := s.parseNotice(notice("0002", "", "01", "0", "000660", 0, 0, "Y", "1", 5))
	require.NotNil(t, ev)
	assert.Equal(t, contracts.OrderRejected, ev.Status)
	assert.Equal(t, contracts.OrderSideSell, ev.Side)

	s.parseNotice(notice("0003", "", "02", "0", "000660", 2, 100, "N", "2", 5))
	ev = s.parseNotice(notice("0004", "0003", "02", "2", "000660", 0, 0, "N", "1", 5))
	require.NotNil(t, ev)
	assert.Equal(t, contracts.OrderCancelled, ev.Status)
	assert.Equal(t, "0003", ev.OrderID)
	assert.Equal(t, 2, ev.FilledQuantity)

	assert.Nil(t, s.parseNotice("too^short"))
}

func pkcs7(b []byte) []byte {
	pad := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func TestDecryptWithAckKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plain := notice("0001", "", "02", "0", "005930", 1, 100, "N", "2", 1)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padded := pkcs7([]byte(plain))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	s := newStream(&Client{account: *testAccount(), logger: logger.NewNop(), now: time.Now})
	s.handleMessage([]byte(`{"header":{"tr_id":"H0STCNI0"},"body":{"rt_cd":"0","msg1":"SUBSCRIBE SUCCESS","output":{"iv":"fedcba9876543210","key":"0123456789abcdef0123456789abcdef"}}}`))

	got, err := s.decrypt(base64.StdEncoding.EncodeToString(ciphertext))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestHandleMessageTick(t *testing.T) {
	s := newStream(&Client{account: *testAccount(), logger: logger.NewNop(), now: time.Now})

	fields := make([]string, 14)
	fields[0], fields[1], fields[2], fields[13] = "005930", "090501", "72400", "1000"
	events := s.handleMessage([]byte("0|H0STCNT0|001|" + strings.Join(fields, "^")))

	require.Len(t, events, 1)
	assert.Equal(t, contracts.StreamTick, events[0].Kind)
	assert.Equal(t, int64(72400), events[0].Tick.Price)
}

func TestStreamReconnects(t *testing.T) {
	var conns int32
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"approval_key": "approval"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&conns, 1)

		// subscription request
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 1 {
			body := notice("0001", "", "02", "0", "005930", 5, 100, "N", "2", 5)
			_ = conn.WriteMessage(websocket.TextMessage, []byte("0|H0STCNI0|001|"+body))
			return // drop the connection
		}
		// keep the second connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.KISConfig{
		RealBaseURL: srv.URL,
		RealWSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Timeout:     5 * time.Second,
		RealRPS:     1000,
	}
	client := NewClient(cfg, testAccount(), logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := client.SubscribeExecutions(ctx)
	require.NoError(t, err)

	var kinds []contracts.StreamEventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == contracts.StreamFill {
			assert.Equal(t, 5, ev.Fill.FilledQuantity)
			assert.Equal(t, contracts.OrderFilled, ev.Fill.Status)
		}
		if ev.Kind == contracts.StreamReconnected {
			cancel()
		}
	}

	assert.Equal(t, []contracts.StreamEventKind{
		contracts.StreamFill,
		contracts.StreamDisconnected,
		contracts.StreamReconnected,
	}, kinds)
	assert.Equal(t, int32(2), atomic.LoadInt32(&conns))
}

func TestSubscribeRequiresHtsID(t *testing.T) {
	acc := testAccount()
	acc.Credentials.HtsID = ""
	client := NewClient(config.KISConfig{RealRPS: 1}, acc, logger.NewNop())

	_, err := client.SubscribeExecutions(context.Background())
	assert.True(t, contracts.IsKind(err, contracts.KindConfiguration))
}
