package types

import (
	"time"
)

// Tick represents a single bid/ask quote update for one symbol
type Tick struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`   // Last trade price, mid if the feed omits it
	Volume float64   `json:"volume"` // May be zero
	Spread float64   `json:"spread"` // Ask - bid when the feed omits it
}

// NewTick creates a tick, deriving last and spread when the source omits them
func NewTick(symbol string, t time.Time, bid, ask, last, volume, spread float64) Tick {
	tick := Tick{
		Symbol: symbol,
		Time:   t,
		Bid:    bid,
		Ask:    ask,
		Last:   last,
		Volume: volume,
		Spread: spread,
	}
	if tick.Last == 0 {
		tick.Last = tick.Mid()
	}
	if tick.Spread == 0 {
		tick.Spread = ask - bid
	}
	return tick
}

// Mid returns the midpoint of bid and ask
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Before reports whether t sorts ahead of other on the global timeline.
// Ties on time are broken by symbol name ascending; this ordering must be
// total or two runs over the same files can interleave ticks differently.
func (t Tick) Before(other Tick) bool {
	if t.Time.Equal(other.Time) {
		return t.Symbol < other.Symbol
	}
	return t.Time.Before(other.Time)
}
