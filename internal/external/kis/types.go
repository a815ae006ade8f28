package kis

import "time"

// ============================================================
// Public Types
// ============================================================

// Balance represents account balance summary
type Balance struct {
	TotalDeposit    int64   `json:"total_deposit"`     // 예수금
	AvailableCash   int64   `json:"available_cash"`    // 출금가능금액
	TotalPurchase   int64   `json:"total_purchase"`    // 매입금액합계
	TotalEvaluation int64   `json:"total_evaluation"`  // 평가금액합계
	TotalProfitLoss int64   `json:"total_profit_loss"` // 평가손익합계
	ProfitLossRate  float64 `json:"profit_loss_rate"`  // 수익률
	TotalAsset      int64   `json:"total_asset"`       // 총자산
}

// RankedStock is one row of the volume ranking
type RankedStock struct {
	Rank   int    `json:"rank"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	Volume int64  `json:"volume"`
}

// Market selects the exchange for ranking queries
type Market string

const (
	MarketKOSPI  Market = "0"
	MarketKOSDAQ Market = "1"
)

// pendingSubmit remembers an order whose acknowledgement may have been lost
type pendingSubmit struct {
	Symbol      string
	SellBuyCode string
	Qty         int
	SubmittedAt time.Time
}

// ============================================================
// KIS API Response Types (Internal)
// ============================================================

type apiStatus struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (s apiStatus) ok() bool { return s.RtCd == "0" }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type priceResponse struct {
	apiStatus
	Output struct {
		Prpr    string `json:"stck_prpr"` // 현재가
		AcmlVol string `json:"acml_vol"`  // 누적거래량
	} `json:"output"`
}

type dailyChartResponse struct {
	apiStatus
	Output2 []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output2"`
}

type volumeRankResponse struct {
	apiStatus
	Output []struct {
		Symbol  string `json:"mksc_shrn_iscd"` // 유가증권 단축 종목코드
		Name    string `json:"hts_kor_isnm"`
		Rank    string `json:"data_rank"`
		Prpr    string `json:"stck_prpr"`
		AcmlVol string `json:"acml_vol"`
	} `json:"output"`
}

type balanceResponse struct {
	apiStatus
	Output1 []struct {
		Pdno        string `json:"pdno"`          // 종목코드
		PrdtName    string `json:"prdt_name"`     // 종목명
		HldgQty     string `json:"hldg_qty"`      // 보유수량
		OrdPsblQty  string `json:"ord_psbl_qty"`  // 주문가능수량
		PchsAvgPric string `json:"pchs_avg_pric"` // 매입평균가
		Prpr        string `json:"prpr"`          // 현재가
	} `json:"output1"`
	Output2 []struct {
		DncaTotAmt      string `json:"dnca_tot_amt"`       // 예수금총금액
		PrvsRcdlExccAmt string `json:"prvs_rcdl_excc_amt"` // 출금가능금액
		PchsAmtSmtlAmt  string `json:"pchs_amt_smtl_amt"`  // 매입금액합계
		EvluAmtSmtlAmt  string `json:"evlu_amt_smtl_amt"`  // 평가금액합계
		EvluPflsSmtlAmt string `json:"evlu_pfls_smtl_amt"` // 평가손익합계
		TotEvluAmt      string `json:"tot_evlu_amt"`       // 총평가금액
	} `json:"output2"`
}

type dailyOrder struct {
	OrdDt        string `json:"ord_dt"`          // 주문일자
	Odno         string `json:"odno"`            // 주문번호
	OrgnOdno     string `json:"orgn_odno"`       // 원주문번호
	SllBuyDvsnCd string `json:"sll_buy_dvsn_cd"` // 01:매도, 02:매수
	Pdno         string `json:"pdno"`            // 종목코드
	OrdQty       string `json:"ord_qty"`         // 주문수량
	OrdUnpr      string `json:"ord_unpr"`        // 주문단가
	OrdTmd       string `json:"ord_tmd"`         // 주문시간 HHMMSS
	TotCcldQty   string `json:"tot_ccld_qty"`    // 총체결수량
	AvgPrvs      string `json:"avg_prvs"`        // 체결평균가
	RmnQty       string `json:"rmn_qty"`         // 잔여수량
	CnclYn       string `json:"cncl_yn"`         // 취소여부
	RjctQty      string `json:"rjct_qty"`        // 거부수량
}

type ordersResponse struct {
	apiStatus
	Output1 []dailyOrder `json:"output1"`
}

type orderRequestBody struct {
	CANO         string `json:"CANO"`         // 계좌번호
	ACNT_PRDT_CD string `json:"ACNT_PRDT_CD"` // 계좌상품코드
	PDNO         string `json:"PDNO"`         // 종목코드
	ORD_DVSN     string `json:"ORD_DVSN"`     // 00:지정가, 01:시장가
	ORD_QTY      string `json:"ORD_QTY"`      // 주문수량
	ORD_UNPR     string `json:"ORD_UNPR"`     // 주문단가
}

type orderResponse struct {
	apiStatus
	Output struct {
		KRX_FWDG_ORD_ORGNO string `json:"KRX_FWDG_ORD_ORGNO"`
		ODNO               string `json:"ODNO"`    // 주문번호
		ORD_TMD            string `json:"ORD_TMD"` // 주문시각
	} `json:"output"`
}

type cancelRequestBody struct {
	CANO               string `json:"CANO"`
	ACNT_PRDT_CD       string `json:"ACNT_PRDT_CD"`
	KRX_FWDG_ORD_ORGNO string `json:"KRX_FWDG_ORD_ORGNO"`
	ORGN_ODNO          string `json:"ORGN_ODNO"`         // 원주문번호
	ORD_DVSN           string `json:"ORD_DVSN"`          // 00
	RVSE_CNCL_DVSN_CD  string `json:"RVSE_CNCL_DVSN_CD"` // 02:취소
	ORD_QTY            string `json:"ORD_QTY"`
	ORD_UNPR           string `json:"ORD_UNPR"`
	QTY_ALL_ORD_YN     string `json:"QTY_ALL_ORD_YN"` // Y:전량
}

type hashkeyResponse struct {
	Hash string `json:"HASH"`
}
