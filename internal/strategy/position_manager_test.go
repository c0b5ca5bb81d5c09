package strategy

import (
	"math"
	"testing"
	"time"

	"backsim/internal/config"
	"backsim/internal/types"
)

func pmConfig() config.PositionManagerConfig {
	return config.PositionManagerConfig{
		BreakevenTriggerRR:    1.0,
		BreakevenBufferPoints: 2,
		TrailMode:             "fixed",
		TrailTriggerRR:        1.5,
		TrailDistancePoints:   150,
		ATRPeriod:             14,
		ATRTimeframe:          "15m",
		ATRMultiplier:         2.0,
	}
}

func openBuy(b *stubBroker, sl float64) int64 {
	b.ticket++
	b.positions = append(b.positions, types.Position{
		Ticket: b.ticket, Symbol: "EURUSD", Type: types.PositionTypeBuy,
		Volume: 0.10, OpenPrice: 1.1000, SL: sl, CurrentPrice: 1.1000,
	})
	return b.ticket
}

func setCurrent(b *stubBroker, ticket int64, price float64) {
	for i := range b.positions {
		if b.positions[i].Ticket == ticket {
			b.positions[i].CurrentPrice = price
		}
	}
}

func slOf(t *testing.T, b *stubBroker, ticket int64) float64 {
	t.Helper()
	for _, p := range b.positions {
		if p.Ticket == ticket {
			return p.SL
		}
	}
	t.Fatalf("ticket %d not found", ticket)
	return 0
}

func TestBreakevenShiftIsIdempotent(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1010, 1.1011)
	pm := NewPositionManager(pmConfig(), b)
	ticket := openBuy(b, 1.0990) // 10-point risk

	// 1R in profit: stop moves to entry plus the 2-point buffer
	setCurrent(b, ticket, 1.1010)
	pm.ManagePositions()
	want := 1.1000 + 2*0.00001
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-9 {
		t.Fatalf("SL after breakeven = %v, want %v", got, want)
	}
	modifications := len(b.modifies)

	// Same conditions again: no further modification
	pm.ManagePositions()
	if len(b.modifies) != modifications {
		t.Errorf("breakeven re-applied: %d modifications, want %d", len(b.modifies), modifications)
	}
}

func TestTrailingStopMonotonicallyFavorable(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1030, 1.1031)
	pm := NewPositionManager(pmConfig(), b)
	ticket := openBuy(b, 1.0990) // 10-point risk

	// 3R in profit: trail 150 points behind 1.1030
	setCurrent(b, ticket, 1.1030)
	pm.ManagePositions()
	want := 1.1030 - 150*0.00001
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-9 {
		t.Fatalf("trailed SL = %v, want %v", got, want)
	}

	// Price retraces: the stop must not move back
	setCurrent(b, ticket, 1.1020)
	pm.ManagePositions()
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-9 {
		t.Errorf("SL moved unfavorably to %v", got)
	}
}

func TestTrailingFiresAtExactTriggerMultiple(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1015, 1.1016)
	cfg := pmConfig()
	cfg.TrailDistancePoints = 100
	pm := NewPositionManager(cfg, b)
	ticket := openBuy(b, 1.0990) // 10-point risk

	// Exactly 1.5R in profit: the price subtractions round in opposite
	// directions here, and the trigger must still fire
	setCurrent(b, ticket, 1.1015)
	pm.ManagePositions()
	want := 1.1015 - 100*0.00001
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-9 {
		t.Errorf("trailed SL = %v, want %v", got, want)
	}
}

func TestTrailingNotTriggeredBelowThreshold(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1005, 1.1006)
	pm := NewPositionManager(pmConfig(), b)
	ticket := openBuy(b, 1.0990)

	// 0.5R: neither breakeven nor trailing applies
	setCurrent(b, ticket, 1.1005)
	pm.ManagePositions()
	if got := slOf(t, b, ticket); got != 1.0990 {
		t.Errorf("SL = %v, want untouched 1.0990", got)
	}
}

func TestATRTrailingUsesConfiguredTimeframe(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1050, 1.1051)
	cfg := pmConfig()
	cfg.TrailMode = "atr"
	pm := NewPositionManager(cfg, b)
	ticket := openBuy(b, 1.0990)
	setCurrent(b, ticket, 1.1050)

	// Constant 10-point bar range keeps ATR at 0.0010
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Candle, 60)
	for i := range bars {
		bars[i] = types.Candle{
			Time: start.Add(time.Duration(i) * 15 * time.Minute),
			Open: 1.1000, High: 1.1010, Low: 1.1000, Close: 1.1005, Volume: 1,
		}
	}
	b.setCandles("EURUSD", types.Timeframe15m, bars)

	pm.ManagePositions()
	want := 1.1050 - 0.0010*2.0
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-6 {
		t.Errorf("ATR-trailed SL = %v, want %v", got, want)
	}
}

func TestManagePositions_NoOpWithEmptyBook(t *testing.T) {
	b := newStubBroker()
	pm := NewPositionManager(pmConfig(), b)
	pm.ManagePositions()
	if len(b.modifies) != 0 {
		t.Errorf("%d modifications on an empty book", len(b.modifies))
	}
}

func TestInitialRiskSurvivesStopMoves(t *testing.T) {
	b := newStubBroker()
	b.setPrice("EURUSD", 1.1010, 1.1011)
	pm := NewPositionManager(pmConfig(), b)
	ticket := openBuy(b, 1.0990)

	setCurrent(b, ticket, 1.1010)
	pm.ManagePositions() // breakeven fires, SL now near entry

	// 1.5R against the ORIGINAL 10-point risk: trailing should fire even
	// though the current stop distance is tiny
	b.setPrice("EURUSD", 1.1030, 1.1031)
	setCurrent(b, ticket, 1.1030)
	pm.ManagePositions()
	want := 1.1030 - 150*0.00001
	if got := slOf(t, b, ticket); math.Abs(got-want) > 1e-9 {
		t.Errorf("SL = %v, want %v (trailing keyed to initial risk)", got, want)
	}
}
