package types

import (
	"time"
)

// PositionType represents the direction of a position
type PositionType string

const (
	PositionTypeBuy  PositionType = "BUY"
	PositionTypeSell PositionType = "SELL"
)

// DirectionSign returns +1 for BUY and -1 for SELL
func (pt PositionType) DirectionSign() float64 {
	if pt == PositionTypeSell {
		return -1
	}
	return 1
}

// Position represents an open trading position.
// Tickets are assigned once, monotonically, and never reused.
type Position struct {
	Ticket       int64        `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Type         PositionType `json:"position_type"`
	Volume       float64      `json:"volume"`
	OpenPrice    float64      `json:"open_price"`
	OpenTime     time.Time    `json:"open_time"`
	SL           float64      `json:"sl"` // 0 means no stop loss
	TP           float64      `json:"tp"` // 0 means no take profit
	CurrentPrice float64      `json:"current_price"`
	Profit       float64      `json:"profit"`
	MagicNumber  int          `json:"magic_number"`
	Comment      string       `json:"comment"`
}

// PriceMove returns the favorable price distance at the given price
func (p *Position) PriceMove(price float64) float64 {
	return (price - p.OpenPrice) * p.Type.DirectionSign()
}

// ClosedTrade is one entry of the append-only closed trade journal
type ClosedTrade struct {
	Ticket     int64        `json:"ticket"`
	Symbol     string       `json:"symbol"`
	Type       PositionType `json:"position_type"`
	Volume     float64      `json:"volume"`
	OpenPrice  float64      `json:"open_price"`
	ClosePrice float64      `json:"close_price"`
	OpenTime   time.Time    `json:"open_time"`
	CloseTime  time.Time    `json:"close_time"`
	Profit     float64      `json:"profit"`
	// ProfitCurrency is the account currency, or the quote currency when no
	// cross-rate was available to convert
	ProfitCurrency string `json:"profit_currency"`
	Comment        string `json:"comment"`
}

// Account represents the simulated account state
type Account struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	FreeMargin  float64 `json:"free_margin"`
	FloatingPnL float64 `json:"floating_pnl"`
	Currency    string  `json:"currency"`
}

// PriceSide selects bid or ask when querying current prices
type PriceSide string

const (
	PriceSideBid PriceSide = "bid"
	PriceSideAsk PriceSide = "ask"
)

// OrderRequest describes a market order to the broker
type OrderRequest struct {
	Symbol  string       `json:"symbol"`
	Side    PositionType `json:"side"`
	Volume  float64      `json:"volume"`
	SL      float64      `json:"sl"`
	TP      float64      `json:"tp"`
	Magic   int          `json:"magic"`
	Comment string       `json:"comment"`
}

// OrderResult reports the outcome of an order or position operation
type OrderResult struct {
	Ticket int64   `json:"ticket"`
	Price  float64 `json:"price"`
	Status string  `json:"status"` // "filled", "rejected"
	Reason string  `json:"reason,omitempty"`
}

// Filled returns true when the order produced a position
func (r *OrderResult) Filled() bool {
	return r != nil && r.Status == "filled"
}

// PositionFilter narrows position queries. Zero values match everything.
type PositionFilter struct {
	Symbol string
	Magic  int
	// StrategyTag matches the strategy field of the position comment
	StrategyTag string
}

// Matches reports whether the position passes the filter
func (f PositionFilter) Matches(p *Position) bool {
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.Magic != 0 && p.MagicNumber != f.Magic {
		return false
	}
	if f.StrategyTag != "" && ParseComment(p.Comment).Strategy != f.StrategyTag {
		return false
	}
	return true
}

// SymbolInfo holds per-instrument trading parameters
type SymbolInfo struct {
	Name           string  `json:"name"`
	Point          float64 `json:"point"`  // Smallest price increment
	Digits         int     `json:"digits"` // Price decimal places
	MinLot         float64 `json:"min_lot"`
	MaxLot         float64 `json:"max_lot"`
	LotStep        float64 `json:"lot_step"`
	TickValue      float64 `json:"tick_value"` // Value of one point per lot, account currency; 0 = derive
	ContractSize   float64 `json:"contract_size"`
	CurrencyBase   string  `json:"currency_base"`
	CurrencyProfit string  `json:"currency_profit"`
	TradeAllowed   bool    `json:"trade_allowed"`
}

// DefaultSymbolInfo returns 5-digit FX defaults for a symbol that has no
// explicit info record
func DefaultSymbolInfo(name string) SymbolInfo {
	base, profit := "", "USD"
	if len(name) >= 6 {
		base, profit = name[:3], name[3:6]
	}
	return SymbolInfo{
		Name:           name,
		Point:          0.00001,
		Digits:         5,
		MinLot:         0.01,
		MaxLot:         100,
		LotStep:        0.01,
		ContractSize:   100000,
		CurrencyBase:   base,
		CurrencyProfit: profit,
		TradeAllowed:   true,
	}
}
