package kis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
)

// TR IDs for order operations
const (
	// 주문 조회
	TRIDOrdersReal    = "TTTC8001R"
	TRIDOrdersVirtual = "VTTC8001R"

	// 매수
	TRIDBuyReal    = "TTTC0802U"
	TRIDBuyVirtual = "VTTC0802U"

	// 매도
	TRIDSellReal    = "TTTC0801U"
	TRIDSellVirtual = "VTTC0801U"

	// 취소
	TRIDCancelReal    = "TTTC0803U"
	TRIDCancelVirtual = "VTTC0803U"
)

// refMatchWindow bounds how far an order's time may drift from our submit time
const refMatchWindow = 2 * time.Minute

func (c *Client) trID(real, virtual string) string {
	if c.account.IsVirtual() {
		return virtual
	}
	return real
}

func sideCode(side contracts.OrderSide) string {
	if side == contracts.OrderSideSell {
		return "01"
	}
	return "02"
}

func parseSide(code string) contracts.OrderSide {
	if code == "01" {
		return contracts.OrderSideSell
	}
	return contracts.OrderSideBuy // "02" or default
}

// PlaceOrder places a cash order. A ref that was already acknowledged
// returns the earlier acknowledgement without a new submission.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	if req.Qty <= 0 {
		return nil, contracts.BrokerRejected("kis.place_order", "LOCAL", "quantity must be positive")
	}

	c.refMu.Lock()
	if ack, ok := c.refs[req.ClientRef]; ok && req.ClientRef != "" {
		c.refMu.Unlock()
		dup := *ack
		return &dup, nil
	}
	submittedAt := c.now()
	if req.ClientRef != "" {
		c.pending[req.ClientRef] = pendingSubmit{
			Symbol:      req.Symbol,
			SellBuyCode: sideCode(req.Side),
			Qty:         req.Qty,
			SubmittedAt: submittedAt,
		}
	}
	c.refMu.Unlock()

	cano, prdt, err := c.accountParts()
	if err != nil {
		return nil, err
	}

	trID := c.trID(TRIDBuyReal, TRIDBuyVirtual)
	if req.Side == contracts.OrderSideSell {
		trID = c.trID(TRIDSellReal, TRIDSellVirtual)
	}

	// Order division code: 00=지정가, 01=시장가
	ordDvsn := "00"
	if req.Price == 0 {
		ordDvsn = "01"
	}

	body := orderRequestBody{
		CANO:         cano,
		ACNT_PRDT_CD: prdt,
		PDNO:         req.Symbol,
		ORD_DVSN:     ordDvsn,
		ORD_QTY:      strconv.Itoa(req.Qty),
		ORD_UNPR:     strconv.FormatInt(req.Price, 10),
	}

	var result orderResponse
	status, err := c.call(ctx, "kis.place_order", "/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body, &result)
	if err != nil {
		if !isAmbiguous(err) {
			c.forgetPending(req.ClientRef)
		}
		return nil, err
	}
	if !status.ok() {
		c.forgetPending(req.ClientRef)
		c.logger.WithFields(map[string]interface{}{
			"symbol": req.Symbol,
			"side":   req.Side,
			"code":   status.MsgCd,
			"error":  status.Msg1,
		}).Error("Order placement rejected")
		return nil, contracts.BrokerRejected("kis.place_order", status.MsgCd, status.Msg1)
	}

	ack := &broker.OrderAck{
		OrderID:     result.Output.ODNO,
		ClientRef:   req.ClientRef,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Price:       req.Price,
		SubmittedAt: submittedAt,
	}
	c.remember(ack)

	c.logger.WithFields(map[string]interface{}{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"order_no":   ack.OrderID,
		"quantity":   req.Qty,
		"price":      req.Price,
		"client_ref": req.ClientRef,
	}).Info("Order placed successfully")

	dup := *ack
	return &dup, nil
}

func (c *Client) remember(ack *broker.OrderAck) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if ack.ClientRef == "" {
		return
	}
	c.refs[ack.ClientRef] = ack
	c.claimed[ack.OrderID] = ack.ClientRef
	delete(c.pending, ack.ClientRef)
}

func (c *Client) forgetPending(ref string) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	delete(c.pending, ref)
}

// FindOrderByRef resolves a client ref. KIS has no client order id, so a ref
// whose acknowledgement was lost is matched against today's orders by
// symbol, side, quantity and submit time. The submission is taken from this
// client's memory, or from q when the client was restarted since.
func (c *Client) FindOrderByRef(ctx context.Context, q broker.RefQuery) (*broker.OrderAck, error) {
	ref := q.ClientRef

	c.refMu.Lock()
	if ack, ok := c.refs[ref]; ok {
		c.refMu.Unlock()
		dup := *ack
		return &dup, nil
	}
	p, ok := c.pending[ref]
	c.refMu.Unlock()
	if !ok {
		if q.Symbol == "" || q.Qty <= 0 || q.SubmittedAt.IsZero() {
			return nil, fmt.Errorf("client ref %s: %w", ref, contracts.ErrNotFound)
		}
		p = pendingSubmit{
			Symbol:      q.Symbol,
			SellBuyCode: sideCode(q.Side),
			Qty:         q.Qty,
			SubmittedAt: q.SubmittedAt,
		}
	}

	orders, err := c.dailyOrders(ctx, "")
	if err != nil {
		return nil, err
	}

	c.refMu.Lock()
	defer c.refMu.Unlock()
	for _, o := range orders {
		if o.Pdno != p.Symbol || o.SllBuyDvsnCd != p.SellBuyCode || int(parseIntSafe(o.OrdQty)) != p.Qty {
			continue
		}
		if _, taken := c.claimed[o.Odno]; taken {
			continue
		}
		at, err := time.ParseInLocation("20060102150405", o.OrdDt+o.OrdTmd, kst)
		if err != nil || at.Before(p.SubmittedAt.Add(-refMatchWindow)) || at.After(p.SubmittedAt.Add(refMatchWindow)) {
			continue
		}

		ack := &broker.OrderAck{
			OrderID:     o.Odno,
			ClientRef:   ref,
			Symbol:      p.Symbol,
			Side:        parseSide(o.SllBuyDvsnCd),
			Qty:         p.Qty,
			Price:       parseIntSafe(o.OrdUnpr),
			SubmittedAt: at,
		}
		c.refs[ref] = ack
		c.claimed[ack.OrderID] = ref
		delete(c.pending, ref)

		c.logger.WithFields(map[string]interface{}{
			"client_ref": ref,
			"order_no":   ack.OrderID,
		}).Info("Recovered order by client ref")
		dup := *ack
		return &dup, nil
	}
	return nil, fmt.Errorf("client ref %s: %w", ref, contracts.ErrNotFound)
}

// OrderStatus returns the broker's view of one of today's orders
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*broker.OrderState, error) {
	orders, err := c.dailyOrders(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.Odno == orderID {
			st := toOrderState(o)
			st.UpdatedAt = c.now()
			return st, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderID, contracts.ErrNotFound)
}

// CancelOrder cancels the unfilled remainder of an order
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string, qty int) error {
	cano, prdt, err := c.accountParts()
	if err != nil {
		return err
	}

	body := cancelRequestBody{
		CANO:               cano,
		ACNT_PRDT_CD:       prdt,
		KRX_FWDG_ORD_ORGNO: "",
		ORGN_ODNO:          orderID,
		ORD_DVSN:           "00",
		RVSE_CNCL_DVSN_CD:  "02", // 02: 취소
		ORD_QTY:            "0",
		ORD_UNPR:           "0",
		QTY_ALL_ORD_YN:     "Y", // 전량 취소
	}

	var result orderResponse
	status, err := c.call(ctx, "kis.cancel_order", "/uapi/domestic-stock/v1/trading/order-rvsecncl",
		c.trID(TRIDCancelReal, TRIDCancelVirtual), nil, body, &result)
	if err != nil {
		return err
	}
	if !status.ok() {
		return contracts.BrokerRejected("kis.cancel_order", status.MsgCd, status.Msg1)
	}

	c.logger.WithFields(map[string]interface{}{
		"order_no": orderID,
		"symbol":   symbol,
		"quantity": qty,
	}).Info("Order cancelled successfully")
	return nil
}

// dailyOrders lists today's orders, optionally narrowed to one order number
func (c *Client) dailyOrders(ctx context.Context, orderID string) ([]dailyOrder, error) {
	cano, prdt, err := c.accountParts()
	if err != nil {
		return nil, err
	}
	today := c.now().In(kst).Format("20060102")

	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("INQR_STRT_DT", today)
	q.Set("INQR_END_DT", today)
	q.Set("SLL_BUY_DVSN_CD", "00")
	q.Set("INQR_DVSN", "00")
	q.Set("PDNO", "")
	q.Set("CCLD_DVSN", "00")
	q.Set("ORD_GNO_BRNO", "")
	q.Set("ODNO", orderID)
	q.Set("INQR_DVSN_3", "00")
	q.Set("INQR_DVSN_1", "")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var result ordersResponse
	status, err := c.call(ctx, "kis.orders", "/uapi/domestic-stock/v1/trading/inquire-daily-ccld",
		c.trID(TRIDOrdersReal, TRIDOrdersVirtual), q, nil, &result)
	if err != nil {
		return nil, err
	}
	if !status.ok() {
		return nil, fmt.Errorf("orders API error: %s - %s", status.MsgCd, status.Msg1)
	}
	return result.Output1, nil
}

func toOrderState(o dailyOrder) *broker.OrderState {
	qty := int(parseIntSafe(o.OrdQty))
	filled := int(parseIntSafe(o.TotCcldQty))
	remaining := int(parseIntSafe(o.RmnQty))

	st := &broker.OrderState{
		OrderID:        o.Odno,
		Symbol:         o.Pdno,
		Side:           parseSide(o.SllBuyDvsnCd),
		Qty:            qty,
		FilledQuantity: filled,
		AvgPrice:       parseIntSafe(o.AvgPrvs),
	}

	switch {
	case o.CnclYn == "Y":
		st.Status = contracts.OrderCancelled
	case qty > 0 && filled >= qty:
		st.Status = contracts.OrderFilled
	case parseIntSafe(o.RjctQty) > 0 || (remaining == 0 && filled == 0):
		st.Status = contracts.OrderRejected
	case filled > 0:
		st.Status = contracts.OrderPartiallyFilled
	default:
		st.Status = contracts.OrderSubmitted
	}
	return st
}
