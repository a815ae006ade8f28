package kis

import (
	"context"
	"net/url"

	"github.com/wonny/autotrader/internal/contracts"
)

// TR IDs for balance queries
const (
	// 실전
	TRIDBalanceReal = "TTTC8434R"
	// 모의
	TRIDBalanceVirtual = "VTTC8434R"
)

// GetBalance returns account balance and holdings
func (c *Client) GetBalance(ctx context.Context) (*Balance, []contracts.Holding, error) {
	cano, prdt, err := c.accountParts()
	if err != nil {
		return nil, nil, err
	}

	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("AFHR_FLPR_YN", "N")
	q.Set("OFL_YN", "")
	q.Set("INQR_DVSN", "02")
	q.Set("UNPR_DVSN", "01")
	q.Set("FUND_STTL_ICLD_YN", "N")
	q.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	q.Set("PRCS_DVSN", "00")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var result balanceResponse
	status, err := c.call(ctx, "kis.balance", "/uapi/domestic-stock/v1/trading/inquire-balance",
		c.trID(TRIDBalanceReal, TRIDBalanceVirtual), q, nil, &result)
	if err != nil {
		return nil, nil, err
	}
	if !status.ok() {
		return nil, nil, contracts.DataQuality("", "balance: [%s] %s", status.MsgCd, status.Msg1)
	}

	balance := &Balance{}
	if len(result.Output2) > 0 {
		out := result.Output2[0]
		balance.TotalDeposit = parseIntSafe(out.DncaTotAmt)
		balance.AvailableCash = parseIntSafe(out.PrvsRcdlExccAmt)
		balance.TotalPurchase = parseIntSafe(out.PchsAmtSmtlAmt)
		balance.TotalEvaluation = parseIntSafe(out.EvluAmtSmtlAmt)
		balance.TotalProfitLoss = parseIntSafe(out.EvluPflsSmtlAmt)
		balance.TotalAsset = parseIntSafe(out.TotEvluAmt)

		if balance.TotalPurchase > 0 {
			balance.ProfitLossRate = float64(balance.TotalProfitLoss) / float64(balance.TotalPurchase) * 100
		}
	}

	holdings := make([]contracts.Holding, 0, len(result.Output1))
	for _, out := range result.Output1 {
		qty := parseIntSafe(out.HldgQty)
		if qty == 0 {
			continue // Skip zero quantity positions
		}
		holdings = append(holdings, contracts.Holding{
			Symbol:   out.Pdno,
			Name:     out.PrdtName,
			Quantity: int(qty),
			AvgPrice: parseIntSafe(out.PchsAvgPric),
		})
	}

	c.logger.WithFields(map[string]interface{}{
		"total_asset":    balance.TotalAsset,
		"holdings_count": len(holdings),
	}).Debug("Balance fetched")

	return balance, holdings, nil
}

// Positions returns only holdings
func (c *Client) Positions(ctx context.Context) ([]contracts.Holding, error) {
	_, holdings, err := c.GetBalance(ctx)
	return holdings, err
}
