package contracts

import "time"

// Quote is a current price + volume snapshot
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  int64     `json:"price"`
	Volume int64     `json:"volume"`
	At     time.Time `json:"at"`
}

// DailyBar is one day of OHLCV
type DailyBar struct {
	Date   time.Time `json:"date"`
	Open   int64     `json:"open"`
	High   int64     `json:"high"`
	Low    int64     `json:"low"`
	Close  int64     `json:"close"`
	Volume int64     `json:"volume"`
}

// Closes extracts close prices as float64, oldest first
func Closes(bars []DailyBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Close)
	}
	return out
}

// Holding is a position as reported by the broker
type Holding struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	AvgPrice int64  `json:"avg_price"`
}
