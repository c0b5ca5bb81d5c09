package candles

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"backsim/internal/types"
)

// Store serves per-symbol OHLCV series indexed by timeframe. Series are
// read-only during simulation except for the minute rollup fed by the tick
// timeline; all lookups are clamped to the caller's simulated-now so a
// strategy can never observe a bar that closes in its future.
type Store struct {
	mu      sync.RWMutex
	series  map[string]map[types.Timeframe][]types.Candle
	forming map[string]*types.Candle // in-progress minute bar per symbol
}

// NewStore creates an empty candle store
func NewStore() *Store {
	return &Store{
		series:  make(map[string]map[types.Timeframe][]types.Candle),
		forming: make(map[string]*types.Candle),
	}
}

// Seed installs a pre-loaded series for a symbol and timeframe. Bars must be
// strictly increasing in open time.
func (s *Store) Seed(symbol string, tf types.Timeframe, bars []types.Candle) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Time.After(bars[i-1].Time) {
			return fmt.Errorf("%s %s: bar %d open time %v not after previous %v",
				symbol, tf, i, bars[i].Time, bars[i-1].Time)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.series[symbol] == nil {
		s.series[symbol] = make(map[types.Timeframe][]types.Candle)
	}
	s.series[symbol][tf] = bars
	return nil
}

// LoadCSV seeds a series from a candle cache file with columns
// time (UTC seconds), open, high, low, close, tick_volume
func (s *Store) LoadCSV(symbol string, tf types.Timeframe, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open candle file %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	var bars []types.Candle
	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", path, row+1, err)
		}
		row++
		bar, err := parseCandleRecord(record)
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", path, row, err)
		}
		bars = append(bars, bar)
	}
	return s.Seed(symbol, tf, bars)
}

func parseCandleRecord(record []string) (types.Candle, error) {
	if len(record) < 6 {
		return types.Candle{}, fmt.Errorf("expected 6 columns, got %d", len(record))
	}
	sec, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid time %q", record[0])
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		vals[i], err = strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return types.Candle{}, fmt.Errorf("invalid value %q", record[i+1])
		}
	}
	return types.Candle{
		Time:   time.Unix(sec, 0).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// Roll folds a tick into the symbol's minute series. The forming bar is
// appended only once its minute has passed, so it is never visible through
// Candles. Bid is the rollup price.
func (s *Store) Roll(tick types.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minute := types.Timeframe1m.Truncate(tick.Time)
	cur := s.forming[tick.Symbol]
	if cur != nil && minute.After(cur.Time) {
		s.appendMinuteLocked(tick.Symbol, *cur)
		cur = nil
	}
	if cur == nil {
		s.forming[tick.Symbol] = &types.Candle{
			Time:   minute,
			Open:   tick.Bid,
			High:   tick.Bid,
			Low:    tick.Bid,
			Close:  tick.Bid,
			Volume: tick.Volume,
		}
		return
	}
	if tick.Bid > cur.High {
		cur.High = tick.Bid
	}
	if tick.Bid < cur.Low {
		cur.Low = tick.Bid
	}
	cur.Close = tick.Bid
	cur.Volume += tick.Volume
}

func (s *Store) appendMinuteLocked(symbol string, bar types.Candle) {
	if s.series[symbol] == nil {
		s.series[symbol] = make(map[types.Timeframe][]types.Candle)
	}
	series := s.series[symbol][types.Timeframe1m]
	if n := len(series); n > 0 && !bar.Time.After(series[n-1].Time) {
		return // out-of-order rollup, keep the seeded bar
	}
	s.series[symbol][types.Timeframe1m] = append(series, bar)
}

// Candles returns the count most recent bars for the symbol and timeframe
// that have fully closed by now. The last returned bar is the most recently
// completed one; a still-forming bar is excluded. Fewer than count bars are
// returned when history is short.
func (s *Store) Candles(symbol string, tf types.Timeframe, count int, now time.Time) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.seriesFor(symbol, tf)
	if len(series) == 0 || count <= 0 {
		return nil
	}
	// Last index whose close time is at or before now
	end := sort.Search(len(series), func(i int) bool {
		return series[i].CloseTime(tf).After(now)
	})
	if end == 0 {
		return nil
	}
	start := end - count
	if start < 0 {
		start = 0
	}
	out := make([]types.Candle, end-start)
	copy(out, series[start:end])
	return out
}

// seriesFor returns the stored series, aggregating minute bars on demand for
// timeframes that were never seeded explicitly
func (s *Store) seriesFor(symbol string, tf types.Timeframe) []types.Candle {
	bySymbol := s.series[symbol]
	if bySymbol == nil {
		return nil
	}
	if bars, ok := bySymbol[tf]; ok {
		return bars
	}
	if tf == types.Timeframe1m {
		return nil
	}
	return aggregate(bySymbol[types.Timeframe1m], tf)
}

// aggregate rolls minute bars up into the target timeframe, emitting only
// buckets whose full span is covered by minute data
func aggregate(minutes []types.Candle, tf types.Timeframe) []types.Candle {
	if len(minutes) == 0 {
		return nil
	}
	var out []types.Candle
	var cur *types.Candle
	for _, m := range minutes {
		bucket := tf.Truncate(m.Time)
		if cur == nil || bucket.After(cur.Time) {
			if cur != nil {
				out = append(out, *cur)
			}
			c := m
			c.Time = bucket
			cur = &c
			continue
		}
		if m.High > cur.High {
			cur.High = m.High
		}
		if m.Low < cur.Low {
			cur.Low = m.Low
		}
		cur.Close = m.Close
		cur.Volume += m.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// BarAt returns the minute bar opening exactly at the given minute
func (s *Store) BarAt(symbol string, minute time.Time) (types.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.seriesFor(symbol, types.Timeframe1m)
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].Time.Before(minute)
	})
	if i < len(series) && series[i].Time.Equal(minute) {
		return series[i], true
	}
	return types.Candle{}, false
}

// LastBarTime returns the open time of the symbol's latest minute bar
func (s *Store) LastBarTime(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.seriesFor(symbol, types.Timeframe1m)
	if len(series) == 0 {
		return time.Time{}, false
	}
	return series[len(series)-1].Time, true
}

// Symbols returns every symbol with at least one seeded or rolled series
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.series))
	for sym := range s.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
