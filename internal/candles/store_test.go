package candles

import (
	"testing"
	"time"

	"backsim/internal/types"
)

func minuteBars(start time.Time, closes ...float64) []types.Candle {
	bars := make([]types.Candle, len(closes))
	for i, c := range closes {
		bars[i] = types.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   c - 0.0002,
			High:   c + 0.0003,
			Low:    c - 0.0004,
			Close:  c,
			Volume: 10,
		}
	}
	return bars
}

func TestCandles_NoForwardLeakage(t *testing.T) {
	s := NewStore()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := s.Seed("EURUSD", types.Timeframe1m, minuteBars(start, 1.1, 1.2, 1.3, 1.4)); err != nil {
		t.Fatal(err)
	}

	// Simulated-now inside the third bar: only two bars have closed
	now := start.Add(2*time.Minute + 30*time.Second)
	got := s.Candles("EURUSD", types.Timeframe1m, 10, now)
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if got[len(got)-1].Close != 1.2 {
		t.Errorf("last closed bar close = %v, want 1.2", got[len(got)-1].Close)
	}
	for _, bar := range got {
		if bar.CloseTime(types.Timeframe1m).After(now) {
			t.Errorf("bar closing at %v leaked past now %v", bar.CloseTime(types.Timeframe1m), now)
		}
	}
}

func TestCandles_CountLimitsWindow(t *testing.T) {
	s := NewStore()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := s.Seed("EURUSD", types.Timeframe1m, minuteBars(start, 1.1, 1.2, 1.3, 1.4)); err != nil {
		t.Fatal(err)
	}
	got := s.Candles("EURUSD", types.Timeframe1m, 2, start.Add(time.Hour))
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if got[0].Close != 1.3 || got[1].Close != 1.4 {
		t.Errorf("unexpected window: %v %v", got[0].Close, got[1].Close)
	}
}

func TestSeed_RejectsNonIncreasingTimes(t *testing.T) {
	s := NewStore()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	bars := minuteBars(start, 1.1, 1.2)
	bars[1].Time = bars[0].Time
	if err := s.Seed("EURUSD", types.Timeframe1m, bars); err == nil {
		t.Fatal("expected error for duplicate bar time")
	}
}

func TestRoll_FormsMinuteBarsExcludingCurrent(t *testing.T) {
	s := NewStore()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	tick := func(offset time.Duration, bid float64) types.Tick {
		return types.NewTick("EURUSD", base.Add(offset), bid, bid+0.0001, 0, 1, 0)
	}
	s.Roll(tick(0, 1.1000))
	s.Roll(tick(20*time.Second, 1.1010))
	s.Roll(tick(40*time.Second, 1.0990))
	// First tick of the next minute seals the first bar
	s.Roll(tick(60*time.Second, 1.1005))

	got := s.Candles("EURUSD", types.Timeframe1m, 10, base.Add(90*time.Second))
	if len(got) != 1 {
		t.Fatalf("got %d bars, want 1 (forming bar must stay hidden)", len(got))
	}
	bar := got[0]
	if bar.Open != 1.1000 || bar.High != 1.1010 || bar.Low != 1.0990 || bar.Close != 1.0990 {
		t.Errorf("bad rollup: %+v", bar)
	}
	if bar.Volume != 3 {
		t.Errorf("volume = %v, want 3", bar.Volume)
	}
}

func TestCandles_AggregatesHigherTimeframe(t *testing.T) {
	s := NewStore()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	// 30 minute bars -> two full 15m buckets
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 1.1 + float64(i)*0.001
	}
	if err := s.Seed("EURUSD", types.Timeframe1m, minuteBars(start, closes...)); err != nil {
		t.Fatal(err)
	}
	got := s.Candles("EURUSD", types.Timeframe15m, 10, start.Add(time.Hour))
	if len(got) != 2 {
		t.Fatalf("got %d 15m bars, want 2", len(got))
	}
	if !got[0].Time.Equal(start) || !got[1].Time.Equal(start.Add(15*time.Minute)) {
		t.Errorf("bucket times: %v %v", got[0].Time, got[1].Time)
	}
	if got[1].Close != closes[29] {
		t.Errorf("second bucket close = %v, want %v", got[1].Close, closes[29])
	}
}

func TestBarAtAndLastBarTime(t *testing.T) {
	s := NewStore()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := s.Seed("EURUSD", types.Timeframe1m, minuteBars(start, 1.1, 1.2)); err != nil {
		t.Fatal(err)
	}
	if bar, ok := s.BarAt("EURUSD", start.Add(time.Minute)); !ok || bar.Close != 1.2 {
		t.Errorf("BarAt second minute = %+v ok=%v", bar, ok)
	}
	if _, ok := s.BarAt("EURUSD", start.Add(5*time.Minute)); ok {
		t.Error("unexpected bar past series end")
	}
	last, ok := s.LastBarTime("EURUSD")
	if !ok || !last.Equal(start.Add(time.Minute)) {
		t.Errorf("LastBarTime = %v ok=%v", last, ok)
	}
	if _, ok := s.LastBarTime("GBPUSD"); ok {
		t.Error("expected no data for GBPUSD")
	}
}
