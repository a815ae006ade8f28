package kis

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/httputil"
)

// WebSocket TR IDs and limits
const (
	TRIDTick          = "H0STCNT0" // 실시간 체결가
	TRIDExecutionReal = "H0STCNI0" // 실전 체결통보
	TRIDExecutionDemo = "H0STCNI9" // 모의 체결통보

	MaxSubscriptionsPerSession = 41

	PingInterval          = 30 * time.Second
	ReconnectInitialDelay = 1 * time.Second
	ReconnectMaxDelay     = 30 * time.Second
)

// execution notice field positions (H0STCNI0 / H0STCNI9)
const (
	fOrderNo     = 2
	fSide        = 4
	fCorrection  = 5 // 0:정상 1:정정 2:취소
	fSymbol      = 8
	fExecQty     = 9
	fExecPrice   = 10
	fReject      = 12 // Y:거부
	fExecuted    = 13 // 1:접수 2:체결
	fOrderQty    = 16
	noticeFields = 23
)

// stream is the per-account execution notice websocket. One connection at
// a time; reconnects with exponential backoff and tells the consumer.
type stream struct {
	c *Client

	mu          sync.Mutex
	conn        *websocket.Conn
	approvalKey string
	aesKey      []byte
	aesIV       []byte
	watch       map[string]bool

	writeMu sync.Mutex

	// 주문별 누적 체결 (체결통보는 건별 수량만 줌)
	fills map[string]*fillAcc
}

type fillAcc struct {
	qty      int
	notional int64
}

func newStream(c *Client) *stream {
	return &stream{
		c:     c,
		watch: make(map[string]bool),
		fills: make(map[string]*fillAcc),
	}
}

// SubscribeExecutions opens the execution stream for the account
func (c *Client) SubscribeExecutions(ctx context.Context) (<-chan contracts.StreamEvent, error) {
	if c.account.Credentials.HtsID == "" {
		return nil, contracts.Configuration("kis.subscribe", "account %s: HTS ID is required for execution notices", c.account.ID)
	}
	if err := c.stream.dial(ctx); err != nil {
		return nil, err
	}

	ch := make(chan contracts.StreamEvent, 256)
	go c.stream.run(ctx, ch)
	return ch, nil
}

// Watch adds price tick subscriptions for symbols on the execution stream
func (c *Client) Watch(symbols ...string) error {
	s := c.stream
	s.mu.Lock()
	var added []string
	for _, sym := range symbols {
		if s.watch[sym] {
			continue
		}
		if len(s.watch) >= MaxSubscriptionsPerSession-1 {
			s.mu.Unlock()
			return fmt.Errorf("max subscriptions reached (%d)", MaxSubscriptionsPerSession)
		}
		s.watch[sym] = true
		added = append(added, sym)
	}
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil // subscribed on connect
	}
	for _, sym := range added {
		if err := s.subscribe(TRIDTick, sym); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	return nil
}

func (s *stream) executionTR() string {
	if s.c.account.IsVirtual() {
		return TRIDExecutionDemo
	}
	return TRIDExecutionReal
}

// approval gets the websocket approval key
func (s *stream) approval(ctx context.Context) (string, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     s.c.account.Credentials.AppKey,
		"secretkey":  s.c.account.Credentials.AppSecret,
	}
	resp, err := s.c.httpClient.PostJSON(ctx, s.c.baseURL+"/oauth2/Approval", body)
	if err != nil {
		return "", contracts.TransientAPI("kis.approval", err)
	}
	data, err := httputil.ReadBody(resp)
	if err != nil {
		return "", contracts.TransientAPI("kis.approval", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", contracts.TransientAPI("kis.approval", &httputil.StatusError{StatusCode: resp.StatusCode, URL: "/oauth2/Approval"})
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decode approval key: %w", err)
	}
	return result.ApprovalKey, nil
}

// dial connects and (re)subscribes execution notices and watched ticks
func (s *stream) dial(ctx context.Context) error {
	key, err := s.approval(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.c.wsURL, nil)
	if err != nil {
		return contracts.TransientAPI("kis.ws_dial", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.approvalKey = key
	symbols := make([]string, 0, len(s.watch))
	for sym := range s.watch {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	if err := s.subscribe(s.executionTR(), s.c.account.Credentials.HtsID); err != nil {
		return contracts.TransientAPI("kis.ws_subscribe", err)
	}
	for _, sym := range symbols {
		if err := s.subscribe(TRIDTick, sym); err != nil {
			return contracts.TransientAPI("kis.ws_subscribe", err)
		}
	}

	s.c.logger.WithField("ticks", len(symbols)).Info("KIS WebSocket connected")
	return nil
}

func (s *stream) subscribe(trID, trKey string) error {
	s.mu.Lock()
	conn, key := s.conn, s.approvalKey
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	msg := wsMessage{
		Header: wsHeader{ApprovalKey: key, Custtype: "P", TrType: "1", ContentType: "utf-8"},
		Body:   wsBody{Input: wsInput{TrID: trID, TrKey: trKey}},
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (s *stream) write(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// run owns the connection until ctx is cancelled
func (s *stream) run(ctx context.Context, out chan<- contracts.StreamEvent) {
	defer close(out)
	defer s.close()

	for {
		err := s.readLoop(ctx, out)
		if ctx.Err() != nil {
			return
		}

		s.c.logger.WithError(err).Warn("KIS WebSocket disconnected")
		if !emit(ctx, out, contracts.StreamEvent{Kind: contracts.StreamDisconnected, Err: err, At: s.c.now()}) {
			return
		}

		if !s.reconnect(ctx) {
			return
		}
		if !emit(ctx, out, contracts.StreamEvent{Kind: contracts.StreamReconnected, At: s.c.now()}) {
			return
		}
	}
}

// reconnect retries dial with backoff until it succeeds or ctx ends
func (s *stream) reconnect(ctx context.Context) bool {
	delay := ReconnectInitialDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.dial(ctx); err != nil {
			s.c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
				"error":   err.Error(),
			}).Warn("WebSocket reconnection failed")
			delay *= 2
			if delay > ReconnectMaxDelay {
				delay = ReconnectMaxDelay
			}
			continue
		}

		s.c.logger.WithField("attempt", attempt).Info("WebSocket reconnected successfully")
		return true
	}
}

func (s *stream) readLoop(ctx context.Context, out chan<- contracts.StreamEvent) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	// ReadMessage는 ctx를 모르므로 취소 시 연결을 닫아서 깨움
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(pingDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		for _, ev := range s.handleMessage(message) {
			if !emit(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

func (s *stream) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func emit(ctx context.Context, out chan<- contracts.StreamEvent, ev contracts.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleMessage turns one websocket frame into zero or more events
func (s *stream) handleMessage(data []byte) []contracts.StreamEvent {
	if len(data) == 0 {
		return nil
	}

	// JSON: PINGPONG or subscription ack (carries AES key/iv)
	if data[0] == '{' {
		var msg struct {
			Header struct {
				TrID string `json:"tr_id"`
			} `json:"header"`
			Body struct {
				RtCd   string `json:"rt_cd"`
				Msg1   string `json:"msg1"`
				Output struct {
					IV  string `json:"iv"`
					Key string `json:"key"`
				} `json:"output"`
			} `json:"body"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if msg.Header.TrID == "PINGPONG" {
			_ = s.write(websocket.TextMessage, data)
			return nil
		}
		if msg.Body.Output.Key != "" {
			s.mu.Lock()
			s.aesKey = []byte(msg.Body.Output.Key)
			s.aesIV = []byte(msg.Body.Output.IV)
			s.mu.Unlock()
		}
		return nil
	}

	// KIS format: encrypted|TR_ID|count|data
	parts := strings.SplitN(string(data), "|", 4)
	if len(parts) < 4 {
		return nil
	}
	encrypted, trID, body := parts[0], parts[1], parts[3]

	switch trID {
	case TRIDTick:
		if q := parseTick(body, s.c.now()); q != nil {
			return []contracts.StreamEvent{{Kind: contracts.StreamTick, Tick: q, At: q.At}}
		}
	case TRIDExecutionReal, TRIDExecutionDemo:
		if encrypted == "1" {
			plain, err := s.decrypt(body)
			if err != nil {
				s.c.logger.WithError(err).Error("Failed to decrypt execution data")
				return nil
			}
			body = plain
		}
		if fill := s.parseNotice(body); fill != nil {
			return []contracts.StreamEvent{{Kind: contracts.StreamFill, Fill: fill, At: fill.At}}
		}
	}
	return nil
}

// parseTick reads symbol^time^price^... (first record only)
func parseTick(body string, now time.Time) *contracts.Quote {
	fields := strings.Split(body, "^")
	if len(fields) < 14 {
		return nil
	}
	price, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || price <= 0 {
		return nil
	}
	volume, _ := strconv.ParseInt(fields[13], 10, 64)
	return &contracts.Quote{Symbol: fields[0], Price: price, Volume: volume, At: now}
}

// parseNotice converts an execution notice into a cumulative fill event.
// Acceptance notices carry no state change and yield nil.
func (s *stream) parseNotice(body string) *contracts.FillEvent {
	fields := strings.Split(body, "^")
	if len(fields) < noticeFields {
		return nil
	}

	orderID := fields[fOrderNo]
	orderQty := int(parseIntSafe(fields[fOrderQty]))
	ev := &contracts.FillEvent{
		AccountID: s.c.account.ID,
		OrderID:   orderID,
		Symbol:    fields[fSymbol],
		Side:      parseSide(fields[fSide]),
		At:        s.c.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.fills[orderID]
	if acc == nil {
		acc = &fillAcc{}
		s.fills[orderID] = acc
	}

	switch {
	case fields[fReject] == "Y":
		ev.Status = contracts.OrderRejected
	case fields[fExecuted] == "2":
		qty := int(parseIntSafe(fields[fExecQty]))
		acc.qty += qty
		acc.notional += int64(qty) * parseIntSafe(fields[fExecPrice])
		ev.Status = contracts.OrderPartiallyFilled
		if orderQty > 0 && acc.qty >= orderQty {
			ev.Status = contracts.OrderFilled
		}
	case fields[fCorrection] == "2":
		// 취소 확인: 원주문 번호로 보고
		orderID = fields[3]
		if orig := s.fills[orderID]; orig != nil {
			acc = orig
		}
		ev.OrderID = orderID
		ev.Status = contracts.OrderCancelled
	default:
		return nil
	}

	ev.FilledQuantity = acc.qty
	if acc.qty > 0 {
		ev.Price = acc.notional / int64(acc.qty)
	}
	return ev
}

// decrypt decrypts AES-256-CBC notice bodies with the key from the subscription ack
func (s *stream) decrypt(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	key, iv := s.aesKey, s.aesIV
	s.mu.Unlock()
	if len(key) == 0 {
		// ack 미수신: appSecret 앞부분으로 대체
		key = padTo([]byte(s.c.account.Credentials.AppSecret), 32)
		iv = padTo([]byte(s.c.account.Credentials.AppSecret), 16)
	}
	iv = padTo(iv, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	// Remove PKCS7 padding
	if n := len(plaintext); n > 0 {
		padding := int(plaintext[n-1])
		if padding > 0 && padding <= aes.BlockSize && padding <= n {
			plaintext = plaintext[:n-padding]
		}
	}
	return string(plaintext), nil
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Internal message types
type wsMessage struct {
	Header wsHeader `json:"header"`
	Body   wsBody   `json:"body"`
}

type wsHeader struct {
	ApprovalKey string `json:"approval_key,omitempty"`
	Custtype    string `json:"custtype,omitempty"`
	TrType      string `json:"tr_type,omitempty"`
	ContentType string `json:"content-type,omitempty"`
}

type wsBody struct {
	Input wsInput `json:"input"`
}

type wsInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}
