package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

func testAccount() *contracts.Account {
	return &contracts.Account{
		ID:   "acc-1",
		Mode: contracts.ModeReal,
		Credentials: contracts.Credentials{
			AppKey:      "app-key",
			AppSecret:   "app-secret-0123456789abcdef0123456789",
			AccountNo:   "50012345",
			ProductCode: "01",
			HtsID:       "trader01",
		},
		Capital:    10_000_000,
		Allocation: contracts.Allocation{Short: 30, Mid: 40, Long: 30},
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// kisServer serves the auth endpoints and delegates the rest to routes
func kisServer(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		writeJSON(w, map[string]interface{}{"access_token": "tok", "token_type": "Bearer", "expires_in": 86400})
	})
	mux.HandleFunc("/uapi/hashkey", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"HASH": "hash"})
	})
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func byRef(ref string) broker.RefQuery {
	return broker.RefQuery{OrderRequest: broker.OrderRequest{ClientRef: ref}}
}

func newTestClient(srv *httptest.Server, acc *contracts.Account) *Client {
	cfg := config.KISConfig{
		RealBaseURL:    srv.URL,
		VirtualBaseURL: srv.URL,
		Timeout:        5 * time.Second,
		RealRPS:        1000,
		VirtualRPS:     1000,
	}
	return NewClient(cfg, acc, logger.NewNop())
}

func TestQuote(t *testing.T) {
	srv, tokenCalls := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/inquire-price": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "FHKST01010100", r.Header.Get("tr_id"))
			assert.Equal(t, "Bearer tok", r.Header.Get("authorization"))
			assert.Equal(t, "005930", r.URL.Query().Get("fid_input_iscd"))
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0", "msg_cd": "MCA00000", "msg1": "정상처리 되었습니다.",
				"output": map[string]string{"stck_prpr": "72300", "acml_vol": "1523000"},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	q, err := client.Quote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(72300), q.Price)
	assert.Equal(t, int64(1523000), q.Volume)

	_, err = client.Quote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls), "token is cached")
}

func TestQuoteBusinessErrorIsDataQuality(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/inquire-price": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{"rt_cd": "1", "msg_cd": "EGW00123", "msg1": "종목코드 오류"})
		},
	})
	client := newTestClient(srv, testAccount())

	_, err := client.Quote(context.Background(), "999999")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindDataQuality))
}

func TestDailyBarsOldestFirst(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "FHKST03010100", r.Header.Get("tr_id"))
			assert.Equal(t, "D", r.URL.Query().Get("FID_PERIOD_DIV_CODE"))
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output2": []map[string]string{
					{"stck_bsop_date": "20260305", "stck_oprc": "103", "stck_hgpr": "106", "stck_lwpr": "101", "stck_clpr": "105", "acml_vol": "3000"},
					{"stck_bsop_date": "20260304", "stck_oprc": "101", "stck_hgpr": "104", "stck_lwpr": "100", "stck_clpr": "103", "acml_vol": "2000"},
					{"stck_bsop_date": "20260303", "stck_oprc": "100", "stck_hgpr": "102", "stck_lwpr": "99", "stck_clpr": "101", "acml_vol": "1000"},
					{"stck_bsop_date": "", "stck_clpr": "0"},
				},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	bars, err := client.DailyBars(context.Background(), "005930", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(103), bars[0].Close)
	assert.Equal(t, int64(105), bars[1].Close)
	assert.True(t, bars[0].Date.Before(bars[1].Date))
}

func TestVolumeRank(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/volume-rank": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "FHPST01710000", r.Header.Get("tr_id"))
			assert.Equal(t, "20171", r.URL.Query().Get("FID_COND_SCR_DIV_CODE"))
			assert.Equal(t, "1", r.URL.Query().Get("FID_INPUT_ISCD"))
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output": []map[string]string{
					{"mksc_shrn_iscd": "247540", "hts_kor_isnm": "에코프로비엠", "data_rank": "1", "stck_prpr": "250000", "acml_vol": "900000"},
					{"mksc_shrn_iscd": "086520", "hts_kor_isnm": "에코프로", "data_rank": "2", "stck_prpr": "90000", "acml_vol": "800000"},
					{"mksc_shrn_iscd": "091990", "hts_kor_isnm": "셀트리온헬스케어", "data_rank": "3", "stck_prpr": "70000", "acml_vol": "700000"},
				},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	ranked, err := client.VolumeRank(context.Background(), MarketKOSDAQ, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "247540", ranked[0].Symbol)
	assert.Equal(t, 2, ranked[1].Rank)
}

func TestPlaceOrder(t *testing.T) {
	var calls int32
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "VTTC0802U", r.Header.Get("tr_id"))
			assert.Equal(t, "hash", r.Header.Get("hashkey"))

			var body orderRequestBody
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "50012345", body.CANO)
			assert.Equal(t, "01", body.ACNT_PRDT_CD)
			assert.Equal(t, "00", body.ORD_DVSN)
			assert.Equal(t, "10", body.ORD_QTY)

			writeJSON(w, map[string]interface{}{
				"rt_cd": "0", "msg1": "주문 전송 완료",
				"output": map[string]string{"ODNO": "0000117057", "ORD_TMD": "090501"},
			})
		},
	})
	acc := testAccount()
	acc.Mode = contracts.ModeSimulated
	client := newTestClient(srv, acc)

	req := broker.OrderRequest{Symbol: "005930", Side: contracts.OrderSideBuy, Qty: 10, Price: 72000, ClientRef: "ref-1"}
	ack, err := client.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0000117057", ack.OrderID)

	// same ref: no second submission
	again, err := client.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ack.OrderID, again.OrderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	found, err := client.FindOrderByRef(context.Background(), broker.RefQuery{OrderRequest: req})
	require.NoError(t, err)
	assert.Equal(t, ack.OrderID, found.OrderID)
}

func TestPlaceOrderRejected(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{"rt_cd": "1", "msg_cd": "APBK0919", "msg1": "주문가능금액을 초과 했습니다"})
		},
	})
	client := newTestClient(srv, testAccount())

	_, err := client.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "005930", Side: contracts.OrderSideBuy, Qty: 1, Price: 1, ClientRef: "r"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBrokerRejected))
	assert.Contains(t, err.Error(), "APBK0919")

	_, err = client.FindOrderByRef(context.Background(), byRef("r"))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestPlaceOrderLostAckRecoveredByRef(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld": func(w http.ResponseWriter, r *http.Request) {
			now := time.Now().In(kst)
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"ord_dt": now.Format("20060102"), "odno": "0000000001", "sll_buy_dvsn_cd": "02", "pdno": "000660", "ord_qty": "5", "ord_tmd": now.Format("150405"), "tot_ccld_qty": "0", "rmn_qty": "5"},
					{"ord_dt": now.Format("20060102"), "odno": "0000000002", "sll_buy_dvsn_cd": "02", "pdno": "005930", "ord_qty": "7", "ord_tmd": now.Format("150405"), "tot_ccld_qty": "0", "rmn_qty": "7", "ord_unpr": "71000"},
				},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	_, err := client.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "005930", Side: contracts.OrderSideBuy, Qty: 7, Price: 71000, ClientRef: "lost"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindTransientAPI))

	ack, err := client.FindOrderByRef(context.Background(), byRef("lost"))
	require.NoError(t, err)
	assert.Equal(t, "0000000002", ack.OrderID)
	assert.Equal(t, int64(71000), ack.Price)
}

func TestFindOrderByRefAfterRestart(t *testing.T) {
	submitted := time.Now().In(kst).Add(-30 * time.Second)
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "TTTC8001R", r.Header.Get("tr_id"))
			day, tmd := submitted.Format("20060102"), submitted.Format("150405")
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"ord_dt": day, "odno": "0000000010", "sll_buy_dvsn_cd": "01", "pdno": "005930", "ord_qty": "60", "ord_tmd": tmd, "tot_ccld_qty": "0", "rmn_qty": "60"},
					{"ord_dt": day, "odno": "0000000011", "sll_buy_dvsn_cd": "02", "pdno": "005930", "ord_qty": "60", "ord_tmd": tmd, "tot_ccld_qty": "60", "rmn_qty": "0", "ord_unpr": "10000"},
				},
			})
		},
	})

	// 재시작 후 새 클라이언트: 메모리에 제출 기록 없음
	client := newTestClient(srv, testAccount())
	q := broker.RefQuery{
		OrderRequest: broker.OrderRequest{Symbol: "005930", Side: contracts.OrderSideBuy, Qty: 60, ClientRef: "entry-ref"},
		SubmittedAt:  submitted,
	}

	ack, err := client.FindOrderByRef(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "0000000011", ack.OrderID)
	assert.Equal(t, "entry-ref", ack.ClientRef)

	// 이미 매칭된 주문은 다른 ref에 다시 배정되지 않음
	other := q
	other.ClientRef = "other-ref"
	_, err = client.FindOrderByRef(context.Background(), other)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	// 제출 시각 정보가 없으면 조회하지 않음
	_, err = client.FindOrderByRef(context.Background(), byRef("unknown"))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestOrderStatusMapping(t *testing.T) {
	tests := []struct {
		name  string
		order dailyOrder
		want  contracts.OrderStatus
	}{
		{"pending", dailyOrder{OrdQty: "10", TotCcldQty: "0", RmnQty: "10"}, contracts.OrderSubmitted},
		{"partial", dailyOrder{OrdQty: "10", TotCcldQty: "4", RmnQty: "6"}, contracts.OrderPartiallyFilled},
		{"filled", dailyOrder{OrdQty: "10", TotCcldQty: "10", RmnQty: "0"}, contracts.OrderFilled},
		{"cancelled", dailyOrder{OrdQty: "10", TotCcldQty: "3", RmnQty: "0", CnclYn: "Y"}, contracts.OrderCancelled},
		{"rejected", dailyOrder{OrdQty: "10", TotCcldQty: "0", RmnQty: "0"}, contracts.OrderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toOrderState(tt.order).Status)
		})
	}
}

func TestOrderStatus(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "TTTC8001R", r.Header.Get("tr_id"))
			assert.Equal(t, "0000000009", r.URL.Query().Get("ODNO"))
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"odno": "0000000009", "sll_buy_dvsn_cd": "01", "pdno": "005930", "ord_qty": "3", "tot_ccld_qty": "3", "rmn_qty": "0", "avg_prvs": "73000"},
				},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	st, err := client.OrderStatus(context.Background(), "0000000009")
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderFilled, st.Status)
	assert.Equal(t, contracts.OrderSideSell, st.Side)
	assert.Equal(t, int64(73000), st.AvgPrice)

	_, err = client.OrderStatus(context.Background(), "0000000404")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestPositions(t *testing.T) {
	srv, _ := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/inquire-balance": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"pdno": "005930", "prdt_name": "삼성전자", "hldg_qty": "10", "pchs_avg_pric": "71000.0000"},
					{"pdno": "000660", "prdt_name": "SK하이닉스", "hldg_qty": "0"},
				},
				"output2": []map[string]string{{"tot_evlu_amt": "10500000", "pchs_amt_smtl_amt": "710000", "evlu_pfls_smtl_amt": "13000"}},
			})
		},
	})
	client := newTestClient(srv, testAccount())

	balance, holdings, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10500000), balance.TotalAsset)
	require.Len(t, holdings, 1)
	assert.Equal(t, "005930", holdings[0].Symbol)
	assert.Equal(t, 10, holdings[0].Quantity)
	assert.Equal(t, int64(71000), holdings[0].AvgPrice)
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	var first int32 = 1
	srv, tokenCalls := kisServer(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/inquire-price": func(w http.ResponseWriter, r *http.Request) {
			if atomic.CompareAndSwapInt32(&first, 1, 0) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, map[string]interface{}{"rt_cd": "0", "output": map[string]string{"stck_prpr": "100"}})
		},
	})
	client := newTestClient(srv, testAccount())

	_, err := client.Quote(context.Background(), "005930")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindTransientAPI))

	_, err = client.Quote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(tokenCalls))
}

func TestAccountParts(t *testing.T) {
	acc := testAccount()
	acc.Credentials.AccountNo = "5001234502"
	acc.Credentials.ProductCode = ""
	cano, prdt, err := (&Client{account: *acc}).accountParts()
	require.NoError(t, err)
	assert.Equal(t, "50012345", cano)
	assert.Equal(t, "02", prdt)

	acc.Credentials.AccountNo = "123"
	_, _, err = (&Client{account: *acc}).accountParts()
	assert.True(t, contracts.IsKind(err, contracts.KindConfiguration))
}
