package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/httputil"
	"github.com/wonny/autotrader/pkg/logger"
)

// kst is the exchange clock; KIS dates and times are local to it
var kst = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

// Client handles communication with KIS (한국투자증권) API for one account
// ⭐ SSOT: KIS API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	cfg        config.KISConfig
	account    contracts.Account
	baseURL    string
	wsURL      string
	now        func() time.Time

	// Token management
	accessToken string
	tokenExpiry time.Time
	tokenMu     sync.RWMutex

	// client ref -> order
	refMu   sync.Mutex
	refs    map[string]*broker.OrderAck
	pending map[string]pendingSubmit
	claimed map[string]string // order id -> client ref

	stream *stream
}

var _ broker.Broker = (*Client)(nil)

// NewClient creates a KIS client for acc. Extra limiters (e.g. the shared
// redis limiter) are consulted after the local token bucket.
func NewClient(cfg config.KISConfig, acc *contracts.Account, log *logger.Logger, limiters ...httputil.Limiter) *Client {
	baseURL, wsURL, rps := cfg.RealBaseURL, cfg.RealWSURL, cfg.RealRPS
	if acc.IsVirtual() {
		baseURL, wsURL, rps = cfg.VirtualBaseURL, cfg.VirtualWSURL, cfg.VirtualRPS
	}
	if rps <= 0 {
		rps = 1
	}

	log = log.WithFields(map[string]interface{}{"account": acc.ID, "mode": acc.Mode})
	httpClient := httputil.New(log, cfg.Timeout).WithLimiter(rate.NewLimiter(rate.Limit(rps), 1))
	for _, l := range limiters {
		httpClient.WithLimiter(l)
	}

	c := &Client{
		httpClient: httpClient,
		logger:     log,
		cfg:        cfg,
		account:    *acc,
		baseURL:    baseURL,
		wsURL:      wsURL,
		now:        time.Now,
		refs:       make(map[string]*broker.OrderAck),
		pending:    make(map[string]pendingSubmit),
		claimed:    make(map[string]string),
	}
	c.stream = newStream(c)
	return c
}

// Authenticate obtains an access token, proving the credentials work
func (c *Client) Authenticate(ctx context.Context) error {
	c.tokenMu.Lock()
	c.accessToken = ""
	c.tokenMu.Unlock()

	_, err := c.getToken(ctx)
	return err
}

// getToken gets a valid access token, refreshing if necessary
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Double-check after acquiring write lock
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.account.Credentials.AppKey,
		"appsecret":  c.account.Credentials.AppSecret,
	}
	resp, err := c.httpClient.PostJSON(ctx, c.baseURL+"/oauth2/tokenP", body)
	if err != nil {
		return "", contracts.TransientAPI("kis.token", err)
	}
	data, err := httputil.ReadBody(resp)
	if err != nil {
		return "", contracts.TransientAPI("kis.token", err)
	}
	if resp.StatusCode != http.StatusOK {
		if httputil.IsRetryableError(resp.StatusCode) {
			return "", contracts.TransientAPI("kis.token", &httputil.StatusError{StatusCode: resp.StatusCode, URL: "/oauth2/tokenP"})
		}
		return "", contracts.Configuration("kis.token", "account %s: token request failed with status %d: %s", c.account.ID, resp.StatusCode, string(data))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", contracts.Configuration("kis.token", "account %s: empty access token", c.account.ID)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second) // 1분 여유

	c.logger.WithField("expires_in", tokenResp.ExpiresIn).Info("KIS access token refreshed")
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.accessToken = ""
	c.tokenMu.Unlock()
}

func (c *Client) headers(token, trID string) http.Header {
	h := http.Header{}
	h.Set("authorization", "Bearer "+token)
	h.Set("appkey", c.account.Credentials.AppKey)
	h.Set("appsecret", c.account.Credentials.AppSecret)
	h.Set("custtype", "P")
	if trID != "" {
		h.Set("tr_id", trID)
	}
	return h
}

// call performs an authenticated request and decodes the body into out.
// body != nil means POST with hashkey. Transport errors, 429 and 5xx map
// to TransientAPI; rt_cd is left to the caller.
func (c *Client) call(ctx context.Context, op, path, trID string, query url.Values, body interface{}, out interface{}) (apiStatus, error) {
	var status apiStatus

	token, err := c.getToken(ctx)
	if err != nil {
		return status, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	headers := c.headers(token, trID)

	var resp *http.Response
	if body == nil {
		resp, err = c.httpClient.Get(ctx, target, headers)
	} else {
		hash, herr := c.hashkey(ctx, token, body)
		if herr != nil {
			return status, herr
		}
		headers.Set("hashkey", hash)
		resp, err = c.httpClient.PostJSON(ctx, target, body, headers)
	}
	if err != nil {
		return status, contracts.TransientAPI(op, err)
	}

	data, err := httputil.ReadBody(resp)
	if err != nil {
		return status, contracts.TransientAPI(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// 토큰 만료: 다음 호출에서 재발급
		c.invalidateToken()
		return status, contracts.TransientAPI(op, &httputil.StatusError{StatusCode: resp.StatusCode, URL: path})
	case httputil.IsRetryableError(resp.StatusCode):
		return status, contracts.TransientAPI(op, &httputil.StatusError{StatusCode: resp.StatusCode, URL: path})
	default:
		return status, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, truncate(string(data), 200))
	}

	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("%s: decode status: %w", op, err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return status, nil
}

// hashkey generates the hashkey header for POST requests
func (c *Client) hashkey(ctx context.Context, token string, body interface{}) (string, error) {
	resp, err := c.httpClient.PostJSON(ctx, c.baseURL+"/uapi/hashkey", body, c.headers(token, ""))
	if err != nil {
		return "", contracts.TransientAPI("kis.hashkey", err)
	}
	data, err := httputil.ReadBody(resp)
	if err != nil {
		return "", contracts.TransientAPI("kis.hashkey", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", contracts.TransientAPI("kis.hashkey", &httputil.StatusError{StatusCode: resp.StatusCode, URL: "/uapi/hashkey"})
	}

	var result hashkeyResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decode hashkey: %w", err)
	}
	return result.Hash, nil
}

// Quote gets the real-time current price for a stock
func (c *Client) Quote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	q := url.Values{}
	q.Set("fid_cond_mrkt_div_code", "J")
	q.Set("fid_input_iscd", symbol)

	var result priceResponse
	status, err := c.call(ctx, "kis.quote", "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", q, nil, &result)
	if err != nil {
		return nil, err
	}
	if !status.ok() {
		return nil, contracts.DataQuality(symbol, "quote: [%s] %s", status.MsgCd, status.Msg1)
	}

	price := parseIntSafe(result.Output.Prpr)
	if price <= 0 {
		return nil, contracts.DataQuality(symbol, "quote: non-positive price %q", result.Output.Prpr)
	}
	return &contracts.Quote{
		Symbol: symbol,
		Price:  price,
		Volume: parseIntSafe(result.Output.AcmlVol),
		At:     c.now(),
	}, nil
}

// DailyBars returns up to days daily bars, oldest first
func (c *Client) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	if days <= 0 {
		days = 120
	}
	end := c.now().In(kst)
	// 휴장일 감안해서 달력일 기준으로 넉넉히
	start := end.AddDate(0, 0, -(days*7/5 + 10))

	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", symbol)
	q.Set("FID_INPUT_DATE_1", start.Format("20060102"))
	q.Set("FID_INPUT_DATE_2", end.Format("20060102"))
	q.Set("FID_PERIOD_DIV_CODE", "D")
	q.Set("FID_ORG_ADJ_PRC", "1")

	var result dailyChartResponse
	status, err := c.call(ctx, "kis.daily_bars", "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", "FHKST03010100", q, nil, &result)
	if err != nil {
		return nil, err
	}
	if !status.ok() {
		return nil, contracts.DataQuality(symbol, "daily bars: [%s] %s", status.MsgCd, status.Msg1)
	}

	bars := make([]contracts.DailyBar, 0, len(result.Output2))
	for _, row := range result.Output2 {
		date, err := time.ParseInLocation("20060102", row.Date, kst)
		if err != nil {
			continue
		}
		bar := contracts.DailyBar{
			Date:   date,
			Open:   parseIntSafe(row.Open),
			High:   parseIntSafe(row.High),
			Low:    parseIntSafe(row.Low),
			Close:  parseIntSafe(row.Close),
			Volume: parseIntSafe(row.Volume),
		}
		if bar.Close <= 0 {
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, contracts.DataQuality(symbol, "no daily bars")
	}

	// KIS는 최신순으로 내려줌
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

// VolumeRank returns the top stocks by traded volume for market
func (c *Client) VolumeRank(ctx context.Context, market Market, topN int) ([]RankedStock, error) {
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_COND_SCR_DIV_CODE", "20171")
	q.Set("FID_INPUT_ISCD", string(market))
	q.Set("FID_DIV_CLS_CODE", "0")
	q.Set("FID_BLNG_CLS_CODE", "0")
	q.Set("FID_TRGT_CLS_CODE", "111111111")
	q.Set("FID_TRGT_EXLS_CLS_CODE", "000000")
	q.Set("FID_INPUT_PRICE_1", "")
	q.Set("FID_INPUT_PRICE_2", "")
	q.Set("FID_VOL_CNT", "")
	q.Set("FID_INPUT_DATE_1", "")

	var result volumeRankResponse
	status, err := c.call(ctx, "kis.volume_rank", "/uapi/domestic-stock/v1/quotations/volume-rank", "FHPST01710000", q, nil, &result)
	if err != nil {
		return nil, err
	}
	if !status.ok() {
		return nil, fmt.Errorf("volume rank: [%s] %s", status.MsgCd, status.Msg1)
	}

	out := make([]RankedStock, 0, len(result.Output))
	for i, row := range result.Output {
		if row.Symbol == "" {
			continue
		}
		rank, err := strconv.Atoi(row.Rank)
		if err != nil {
			rank = i + 1
		}
		out = append(out, RankedStock{
			Rank:   rank,
			Symbol: row.Symbol,
			Name:   row.Name,
			Price:  parseIntSafe(row.Prpr),
			Volume: parseIntSafe(row.AcmlVol),
		})
		if topN > 0 && len(out) >= topN {
			break
		}
	}
	return out, nil
}

// accountParts splits the account number into CANO and ACNT_PRDT_CD
func (c *Client) accountParts() (string, string, error) {
	no := c.account.Credentials.AccountNo
	code := c.account.Credentials.ProductCode
	switch {
	case len(no) == 10 && code == "":
		return no[:8], no[8:], nil
	case len(no) >= 8:
		if code == "" {
			code = "01"
		}
		return no[:8], code, nil
	default:
		return "", "", contracts.Configuration("kis.account", "account %s: invalid account number format", c.account.ID)
	}
}

// Helper functions
func parseIntSafe(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isAmbiguous reports whether err leaves an order's fate unknown
func isAmbiguous(err error) bool {
	return contracts.IsKind(err, contracts.KindTransientAPI) || errors.Is(err, context.DeadlineExceeded)
}
