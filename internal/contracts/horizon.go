package contracts

import "fmt"

// Horizon is the investment timeframe assigned by analysis.
// ⭐ SSOT: 투자 기간 분류는 이 세 값뿐
type Horizon string

const (
	HorizonShort Horizon = "SHORT"
	HorizonMid   Horizon = "MID"
	HorizonLong  Horizon = "LONG"
)

// Horizons lists every horizon in allocation order
var Horizons = []Horizon{HorizonShort, HorizonMid, HorizonLong}

// ParseHorizon accepts the canonical names and their lower-case forms
func ParseHorizon(s string) (Horizon, error) {
	switch s {
	case "SHORT", "short":
		return HorizonShort, nil
	case "MID", "mid":
		return HorizonMid, nil
	case "LONG", "long":
		return HorizonLong, nil
	default:
		return "", fmt.Errorf("unknown horizon %q", s)
	}
}

// Valid reports whether h is one of the three horizons
func (h Horizon) Valid() bool {
	_, err := ParseHorizon(string(h))
	return err == nil
}

// Direction of a position. KIS cash accounts only open longs.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is Long or Short
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// EntrySide is the order side that opens a position in direction d
func (d Direction) EntrySide() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide is the order side that closes a position in direction d
func (d Direction) ExitSide() OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Trend is the broad market regime
type Trend string

const (
	TrendBull     Trend = "BULL"
	TrendBear     Trend = "BEAR"
	TrendSideways Trend = "SIDEWAYS"
)
