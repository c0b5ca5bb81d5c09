package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"backsim/internal/candles"
	"backsim/internal/config"
	"backsim/internal/strategy"
	"backsim/internal/timeline"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// fireOnce is a minimal strategy that places one bracketed buy on the first
// quote it sees and records its close callback
type fireOnce struct {
	mu     sync.Mutex
	symbol string
	broker broker.Broker
	placed bool
	closed []string
}

func (s *fireOnce) Name() string     { return types.StrategyTagBreakout }
func (s *fireOnce) Symbol() string   { return s.symbol }
func (s *fireOnce) Initialize() bool { return true }
func (s *fireOnce) Shutdown()        {}

func (s *fireOnce) OnTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placed {
		return
	}
	if _, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk); !ok {
		return
	}
	res, err := s.broker.PlaceMarketOrder(types.OrderRequest{
		Symbol: s.symbol, Side: types.PositionTypeBuy, Volume: 0.10,
		SL: 1.0990, TP: 1.1015,
		Comment: types.BuildComment(types.StrategyTagBreakout, types.RangeTag15M1M, "buy", "VS"),
	})
	if err == nil && res.Filled() {
		s.placed = true
	}
}

func (s *fireOnce) OnPositionClosed(symbol string, profit, volume float64, comment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, comment)
}

func (s *fireOnce) Status() map[string]interface{} {
	return map[string]interface{}{"placed": s.placed}
}

func writeTicks(t *testing.T, path string, rows []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	content := "time,bid,ask,last,volume,spread\n"
	for _, r := range rows {
		content += r + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func tickRow(ts time.Time, bid, ask float64) string {
	return fmt.Sprintf("%d,%.5f,%.5f,,,", ts.UnixMicro(), bid, ask)
}

// fixture writes a 2-symbol tick set where EURUSD's data ends early
func fixture(t *testing.T) map[string][]string {
	t.Helper()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	eur := []string{
		tickRow(base, 1.1000, 1.1001),
		tickRow(base.Add(time.Second), 1.1010, 1.1011),
		tickRow(base.Add(2*time.Second), 1.1020, 1.1021), // TP hit
	}
	var gbp []string
	for i := 0; i < 8; i++ {
		px := 1.3000 + float64(i)*0.0001
		gbp = append(gbp, tickRow(base.Add(time.Duration(i)*time.Second+500*time.Millisecond), px, px+0.0001))
	}
	eurPath := filepath.Join(dir, "eur.csv")
	gbpPath := filepath.Join(dir, "gbp.csv")
	writeTicks(t, eurPath, eur)
	writeTicks(t, gbpPath, gbp)
	return map[string][]string{"EURUSD": {eurPath}, "GBPUSD": {gbpPath}}
}

func runOnce(t *testing.T, sources map[string][]string, parallel bool) (*Results, *fireOnce) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Backtest.Symbols = []string{"EURUSD", "GBPUSD"}
	cfg.Backtest.Parallel = parallel
	cfg.ApplyDefaults()

	tl, err := timeline.New(timeline.Config{Sources: sources})
	if err != nil {
		t.Fatal(err)
	}
	store := candles.NewStore()
	sim, err := broker.NewSim(broker.SimConfig{
		InitialBalance: 10000,
		Currency:       "USD",
		SLTPEvaluation: cfg.Backtest.SLTPEvaluation,
		Granularity:    cfg.Backtest.Granularity,
	}, tl, store)
	if err != nil {
		t.Fatal(err)
	}

	strat := &fireOnce{symbol: "EURUSD", broker: sim}
	pm := strategy.NewPositionManager(cfg.Positions, sim)
	ctrl := New(cfg, sim, pm, []strategy.Strategy{strat})

	done := make(chan struct{})
	var results *Results
	var runErr error
	go func() {
		defer close(done)
		results, runErr = ctrl.Run()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete; barrier deadlock suspected")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}
	return results, strat
}

func TestRun_ParticipantEarlyExitDoesNotDeadlock(t *testing.T) {
	sources := fixture(t)
	results, strat := runOnce(t, sources, true)

	if results.TotalTrades != 1 {
		t.Fatalf("%d trades, want 1", results.TotalTrades)
	}
	trade := results.TradeLog[0]
	if trade.ClosePrice != 1.1015 {
		t.Errorf("close price = %v, want TP 1.1015", trade.ClosePrice)
	}
	strat.mu.Lock()
	closed := len(strat.closed)
	strat.mu.Unlock()
	if closed != 1 {
		t.Errorf("strategy saw %d close callbacks, want 1", closed)
	}
	if results.FinalBalance <= 10000 {
		t.Errorf("final balance = %v, want above initial", results.FinalBalance)
	}
}

func TestRun_Reproducible(t *testing.T) {
	sources := fixture(t)
	first, _ := runOnce(t, sources, true)
	second, _ := runOnce(t, sources, true)

	if !reflect.DeepEqual(first.TradeLog, second.TradeLog) {
		t.Errorf("trade logs differ across identical runs:\n%+v\n%+v", first.TradeLog, second.TradeLog)
	}
	if first.FinalEquity != second.FinalEquity {
		t.Errorf("final equity differs: %v vs %v", first.FinalEquity, second.FinalEquity)
	}
}

func TestRun_SequentialMatchesParallel(t *testing.T) {
	sources := fixture(t)
	parallel, _ := runOnce(t, sources, true)
	sequential, _ := runOnce(t, sources, false)

	if !reflect.DeepEqual(parallel.TradeLog, sequential.TradeLog) {
		t.Errorf("sequential trade log diverges:\n%+v\n%+v", parallel.TradeLog, sequential.TradeLog)
	}
	if parallel.FinalBalance != sequential.FinalBalance {
		t.Errorf("final balance differs: %v vs %v", parallel.FinalBalance, sequential.FinalBalance)
	}
}

// runMinuteOnce drives a run from a seeded candle cache with no tick files,
// the setup a minute-granularity backtest normally uses
func runMinuteOnce(t *testing.T, parallel bool) (*Results, *fireOnce) {
	t.Helper()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	cfg := &config.Config{}
	cfg.Backtest.Symbols = []string{"EURUSD"}
	cfg.Backtest.Parallel = parallel
	cfg.Backtest.Granularity = "minute"
	cfg.Backtest.Start = base
	cfg.ApplyDefaults()

	tl, err := timeline.New(timeline.Config{})
	if err != nil {
		t.Fatal(err)
	}
	store := candles.NewStore()
	bars := []types.Candle{
		{Time: base, Open: 1.1000, High: 1.1002, Low: 1.0999, Close: 1.1000, Volume: 5},
		{Time: base.Add(time.Minute), Open: 1.1000, High: 1.1006, Low: 1.0999, Close: 1.1005, Volume: 5},
		{Time: base.Add(2 * time.Minute), Open: 1.1005, High: 1.1012, Low: 1.1004, Close: 1.1010, Volume: 5},
		{Time: base.Add(3 * time.Minute), Open: 1.1010, High: 1.1018, Low: 1.1009, Close: 1.1016, Volume: 5}, // TP hit
		{Time: base.Add(4 * time.Minute), Open: 1.1016, High: 1.1019, Low: 1.1015, Close: 1.1017, Volume: 5},
	}
	if err := store.Seed("EURUSD", types.Timeframe1m, bars); err != nil {
		t.Fatal(err)
	}
	sim, err := broker.NewSim(broker.SimConfig{
		InitialBalance: 10000,
		Currency:       "USD",
		SLTPEvaluation: cfg.Backtest.SLTPEvaluation,
		Granularity:    cfg.Backtest.Granularity,
		Start:          base,
	}, tl, store)
	if err != nil {
		t.Fatal(err)
	}

	strat := &fireOnce{symbol: "EURUSD", broker: sim}
	pm := strategy.NewPositionManager(cfg.Positions, sim)
	ctrl := New(cfg, sim, pm, []strategy.Strategy{strat})

	done := make(chan struct{})
	var results *Results
	var runErr error
	go func() {
		defer close(done)
		results, runErr = ctrl.Run()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete; barrier deadlock suspected")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}
	return results, strat
}

func TestRun_MinuteModeRunsStrategiesFromCandleCache(t *testing.T) {
	results, strat := runMinuteOnce(t, true)

	if results.TotalTrades != 1 {
		t.Fatalf("%d trades, want 1; symbol workers never saw minute data", results.TotalTrades)
	}
	if results.TradeLog[0].ClosePrice != 1.1015 {
		t.Errorf("close price = %v, want TP 1.1015", results.TradeLog[0].ClosePrice)
	}
	strat.mu.Lock()
	closed := len(strat.closed)
	strat.mu.Unlock()
	if closed != 1 {
		t.Errorf("strategy saw %d close callbacks, want 1", closed)
	}
}

func TestRun_MinuteModeSequentialMatchesParallel(t *testing.T) {
	parallel, _ := runMinuteOnce(t, true)
	sequential, _ := runMinuteOnce(t, false)

	if !reflect.DeepEqual(parallel.TradeLog, sequential.TradeLog) {
		t.Errorf("sequential trade log diverges:\n%+v\n%+v", parallel.TradeLog, sequential.TradeLog)
	}
	if parallel.FinalBalance != sequential.FinalBalance {
		t.Errorf("final balance differs: %v vs %v", parallel.FinalBalance, sequential.FinalBalance)
	}
}

func TestRun_StrictModeAbortsOnStrategyPanic(t *testing.T) {
	sources := fixture(t)
	cfg := &config.Config{}
	cfg.Backtest.Symbols = []string{"EURUSD", "GBPUSD"}
	cfg.Backtest.Parallel = false
	cfg.Backtest.StrictStrategyErrors = true
	cfg.ApplyDefaults()

	tl, err := timeline.New(timeline.Config{Sources: sources})
	if err != nil {
		t.Fatal(err)
	}
	sim, err := broker.NewSim(broker.SimConfig{InitialBalance: 10000}, tl, candles.NewStore())
	if err != nil {
		t.Fatal(err)
	}
	pm := strategy.NewPositionManager(cfg.Positions, sim)
	ctrl := New(cfg, sim, pm, []strategy.Strategy{&panicker{symbol: "EURUSD"}})

	if _, err := ctrl.Run(); err == nil {
		t.Fatal("strict mode did not abort on strategy panic")
	}
}

// panicker blows up on its first tick
type panicker struct{ symbol string }

func (p *panicker) Name() string                                   { return types.StrategyTagHFT }
func (p *panicker) Symbol() string                                 { return p.symbol }
func (p *panicker) Initialize() bool                               { return true }
func (p *panicker) Shutdown()                                      {}
func (p *panicker) OnTick()                                        { panic("defective strategy") }
func (p *panicker) OnPositionClosed(string, float64, float64, string) {}
func (p *panicker) Status() map[string]interface{}                 { return nil }
