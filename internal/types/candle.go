package types

import (
	"time"
)

// Timeframe identifies a candle aggregation interval
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar length of the timeframe
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Truncate returns the open time of the bar containing t
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Candle represents one OHLCV bar
type Candle struct {
	Time   time.Time `json:"time"` // Bar open time, UTC
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// CloseTime returns the close time of the bar for the given timeframe
func (c Candle) CloseTime(tf Timeframe) time.Time {
	return c.Time.Add(tf.Duration())
}

// IsBullish returns true if close > open
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish returns true if close < open
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}
