package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/strategy"
	"backsim/internal/timectrl"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

const monitorID = "monitor"

// Controller owns the per-symbol worker participants and the
// position-monitor participant, and composes them with the broker, the time
// barrier and the strategies.
type Controller struct {
	cfg *config.Config
	brk *broker.Sim
	tc  *timectrl.Controller
	pm  *strategy.PositionManager
	log *logging.Logger

	strategies map[string][]strategy.Strategy

	mu          sync.Mutex
	curve       []EquityPoint
	lastSample  time.Time
	dispatched  map[string]int
	strategyErr error
}

// New creates a controller. Strategies are grouped by symbol; symbols from
// the config without a strategy still get a worker so their data keeps the
// shared clock honest.
func New(cfg *config.Config, brk *broker.Sim, pm *strategy.PositionManager, strategies []strategy.Strategy) *Controller {
	bySymbol := make(map[string][]strategy.Strategy)
	for _, s := range strategies {
		bySymbol[s.Symbol()] = append(bySymbol[s.Symbol()], s)
	}
	return &Controller{
		cfg:        cfg,
		brk:        brk,
		pm:         pm,
		log:        logging.NewComponentLogger("engine"),
		strategies: bySymbol,
		dispatched: make(map[string]int),
	}
}

// Run executes the backtest to data exhaustion and returns the results.
// A fatal data error or a strategy panic in strict mode aborts with an
// error; normal exhaustion is a clean completion.
func (c *Controller) Run() (*Results, error) {
	if err := c.brk.Warmup(); err != nil {
		return nil, fmt.Errorf("warmup: %w", err)
	}
	c.initializeStrategies()

	if c.cfg.Backtest.Parallel {
		c.runParallel()
	} else {
		c.runSequential()
	}

	// Final sweep for trades closed on the last consumed step; all workers
	// have exited so the callbacks cannot race an OnTick
	for _, sym := range c.symbols() {
		c.dispatchClosedFor(sym)
	}

	c.shutdownStrategies()
	if err := c.brk.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	strategyErr := c.strategyErr
	c.mu.Unlock()
	if strategyErr != nil {
		return nil, strategyErr
	}
	return c.collectResults(), nil
}

// Stop aborts the run; all workers fall out of the barrier cleanly
func (c *Controller) Stop() {
	if c.tc != nil {
		c.tc.Stop()
	}
}

func (c *Controller) symbols() []string {
	out := make([]string, len(c.cfg.Backtest.Symbols))
	copy(out, c.cfg.Backtest.Symbols)
	sort.Strings(out)
	return out
}

func (c *Controller) initializeStrategies() {
	for sym, list := range c.strategies {
		kept := list[:0]
		for _, s := range list {
			if s.Initialize() {
				kept = append(kept, s)
			} else {
				c.log.Warnf("Strategy %s on %s failed to initialize, skipping", s.Name(), sym)
			}
		}
		c.strategies[sym] = kept
	}
}

func (c *Controller) shutdownStrategies() {
	for _, list := range c.strategies {
		for _, s := range list {
			s.Shutdown()
		}
	}
}

// runParallel is the barrier-synchronized mode: one goroutine per symbol
// plus the position-monitor, which doubles as the barrier coordinator
func (c *Controller) runParallel() {
	granularity := timectrl.Granularity(c.cfg.Backtest.Granularity)
	mode := timectrl.Mode(c.cfg.Backtest.TimingMode)
	c.tc = timectrl.NewController(c.brk, granularity, mode)

	symbols := c.symbols()
	for _, sym := range symbols {
		c.tc.AddParticipant(sym)
	}
	c.tc.AddParticipant(monitorID)
	c.tc.SetCoordinator(monitorID)
	c.tc.Start()

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			c.symbolWorker(sym)
		}(sym)
	}
	c.monitorWorker()
	wg.Wait()
}

// symbolWorker runs one symbol's strategies each step the symbol has data,
// then arrives at the barrier. Departure on data exhaustion hands its
// barrier slot back so the remaining participants keep advancing.
func (c *Controller) symbolWorker(symbol string) {
	defer c.tc.RemoveParticipant(symbol)
	for {
		c.dispatchClosedFor(symbol)
		if !c.brk.HasDataAfter(symbol) {
			return
		}
		if c.brk.HasDataAt(symbol) {
			c.runStrategies(symbol)
		}
		if !c.tc.WaitForNextStep(symbol) {
			c.dispatchClosedFor(symbol)
			return
		}
	}
}

// monitorWorker is the coordinator participant: mark-to-market and the
// position-manager pass each cycle, then the barrier wait that advances the
// clock
func (c *Controller) monitorWorker() {
	defer c.tc.RemoveParticipant(monitorID)
	for {
		c.brk.UpdatePositions()
		c.pm.ManagePositions()
		c.sampleEquity()
		if !c.tc.WaitForNextStep(monitorID) {
			c.sampleEquity()
			return
		}
	}
}

// runSequential is the single-threaded cooperative loop. It visits symbols
// in sorted order and performs the monitor work inline, producing the same
// observable state transitions as the parallel mode.
func (c *Controller) runSequential() {
	symbols := c.symbols()
	minute := c.cfg.Backtest.Granularity == string(timectrl.GranularityMinute)
	for {
		for _, sym := range symbols {
			c.dispatchClosedFor(sym)
			if c.brk.HasDataAt(sym) {
				c.runStrategies(sym)
			}
		}
		c.brk.UpdatePositions()
		c.pm.ManagePositions()
		c.sampleEquity()

		c.mu.Lock()
		aborted := c.strategyErr != nil
		c.mu.Unlock()
		if aborted {
			return
		}

		var ok bool
		if minute {
			ok = c.brk.AdvanceMinute()
		} else {
			ok = c.brk.AdvanceTick()
		}
		if !ok {
			c.sampleEquity()
			return
		}
	}
}

// runStrategies invokes each of the symbol's strategies, catching panics at
// the worker boundary. One strategy's defect must not skip time for the
// others; in strict mode it aborts the run instead.
func (c *Controller) runStrategies(symbol string) {
	for _, s := range c.strategies[symbol] {
		c.safeOnTick(symbol, s)
	}
}

func (c *Controller) safeOnTick(symbol string, s strategy.Strategy) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Strategy %s panicked on %s: %v", s.Name(), symbol, r)
			if c.cfg.Backtest.StrictStrategyErrors {
				c.mu.Lock()
				if c.strategyErr == nil {
					c.strategyErr = fmt.Errorf("strategy %s on %s: %v", s.Name(), symbol, r)
				}
				c.mu.Unlock()
				if c.tc != nil {
					c.tc.Stop()
				}
			}
		}
	}()
	s.OnTick()
}

// dispatchClosedFor routes one symbol's newly closed trades back to the
// strategies that opened them, matching on the comment's strategy tag. The
// dispatch runs in the owning worker's loop slot so a close callback never
// races that worker's OnTick over the strategy's state.
func (c *Controller) dispatchClosedFor(symbol string) {
	trades := c.brk.ClosedTrades()
	c.mu.Lock()
	start := c.dispatched[symbol]
	c.dispatched[symbol] = len(trades)
	c.mu.Unlock()

	for _, trade := range trades[start:] {
		if trade.Symbol != symbol {
			continue
		}
		tag := types.ParseComment(trade.Comment)
		for _, s := range c.strategies[symbol] {
			if s.Name() == tag.Strategy {
				s.OnPositionClosed(trade.Symbol, trade.Profit, trade.Volume, trade.Comment)
			}
		}
	}
}

// sampleEquity records at most one equity point per simulated minute
func (c *Controller) sampleEquity() {
	now := c.brk.Now()
	if now.IsZero() {
		return
	}
	minute := types.Timeframe1m.Truncate(now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastSample.IsZero() && !minute.After(c.lastSample) {
		return
	}
	c.lastSample = minute
	acct := c.brk.Account()
	c.curve = append(c.curve, EquityPoint{
		Time:          now,
		Balance:       acct.Balance,
		Equity:        acct.Equity,
		Profit:        acct.FloatingPnL,
		OpenPositions: len(c.brk.Positions(types.PositionFilter{})),
	})
}

func (c *Controller) collectResults() *Results {
	acct := c.brk.Account()
	trades := c.brk.ClosedTrades()
	initial := c.cfg.Broker.InitialBalance

	c.mu.Lock()
	curve := make([]EquityPoint, len(c.curve))
	copy(curve, c.curve)
	c.mu.Unlock()

	r := &Results{
		Symbols:        c.symbols(),
		Start:          c.cfg.Backtest.Start,
		End:            c.cfg.Backtest.End,
		Granularity:    c.cfg.Backtest.Granularity,
		SLTPEvaluation: c.brk.SLTPEvaluation(),
		InitialBalance: initial,
		FinalBalance:   acct.Balance,
		FinalEquity:    acct.Equity,
		TotalProfit:    acct.Equity - initial,
		TotalTrades:    len(trades),
		EquityCurve:    curve,
		TradeLog:       trades,
	}
	if initial > 0 {
		r.ProfitPercent = r.TotalProfit / initial * 100
	}
	r.MaxDrawdown, r.MaxDrawdownPct = maxDrawdown(curve)
	return r
}
