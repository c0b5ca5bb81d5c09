package broker

import (
	"time"

	"backsim/internal/types"
)

// Broker is the service surface strategies and position managers trade
// through. The simulated implementation is the single source of truth for
// prices, positions and account state during a run.
type Broker interface {
	// PlaceMarketOrder fills at the current opposite-side quote plus
	// configured slippage. Rejections come back in the result, not the error.
	PlaceMarketOrder(req types.OrderRequest) (*types.OrderResult, error)

	// ModifyPosition atomically updates the named stop fields. Nil leaves a
	// field unchanged.
	ModifyPosition(ticket int64, sl, tp *float64) error

	// ClosePosition closes at the current quote and realizes the profit
	ClosePosition(ticket int64) (*types.OrderResult, error)

	// Positions returns a snapshot of open positions passing the filter
	Positions(filter types.PositionFilter) []types.Position

	// CurrentPrice returns the last observed quote side for the symbol
	CurrentPrice(symbol string, side types.PriceSide) (float64, bool)

	// Candles returns the most recent closed bars up to simulated-now
	Candles(symbol string, tf types.Timeframe, count int) []types.Candle

	// UpdatePositions recomputes profit for all open positions at current
	// prices
	UpdatePositions()

	// Account returns the current account snapshot
	Account() types.Account

	// SymbolInfo returns the instrument parameters for a symbol
	SymbolInfo(symbol string) types.SymbolInfo

	// Now returns the current simulated time
	Now() time.Time

	// HasDataAt reports whether the symbol had data in the step that was
	// just advanced
	HasDataAt(symbol string) bool
}
