package strategy

import (
	"sync"

	"github.com/cinar/indicator"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// PositionManager adjusts open positions' stops based on their live
// R-multiple. It runs on every position-monitor cycle, after mark-to-market
// and before the barrier wait.
type PositionManager struct {
	mu sync.Mutex

	cfg    config.PositionManagerConfig
	broker broker.Broker
	log    *logging.Logger

	// initialRisk remembers each ticket's entry-to-stop distance at first
	// sight, so later SL moves don't shrink the R denominator
	initialRisk map[int64]float64
}

// NewPositionManager creates a position manager over the broker
func NewPositionManager(cfg config.PositionManagerConfig, b broker.Broker) *PositionManager {
	return &PositionManager{
		cfg:         cfg,
		broker:      b,
		log:         logging.NewComponentLogger("positions"),
		initialRisk: make(map[int64]float64),
	}
}

// ManagePositions applies the breakeven shift then the trailing stop to
// every open position. A no-op with zero open positions.
func (m *PositionManager) ManagePositions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.broker.Positions(types.PositionFilter{})
	seen := make(map[int64]bool, len(open))
	for i := range open {
		pos := &open[i]
		seen[pos.Ticket] = true
		risk := m.riskDistanceLocked(pos)
		if risk <= 0 {
			continue
		}
		m.applyBreakeven(pos, risk)
		m.applyTrailing(pos, risk)
	}
	for ticket := range m.initialRisk {
		if !seen[ticket] {
			delete(m.initialRisk, ticket)
		}
	}
}

// riskDistanceLocked returns the position's initial risk distance, capturing
// it on first sight
func (m *PositionManager) riskDistanceLocked(pos *types.Position) float64 {
	if d, ok := m.initialRisk[pos.Ticket]; ok {
		return d
	}
	if pos.SL <= 0 {
		return 0
	}
	d := (pos.OpenPrice - pos.SL) * pos.Type.DirectionSign()
	if d > 0 {
		m.initialRisk[pos.Ticket] = d
	}
	return d
}

// applyBreakeven moves the stop to entry plus a small favorable buffer once
// profit reaches the trigger R-multiple. Idempotent: a stop already at or
// beyond breakeven is left alone.
func (m *PositionManager) applyBreakeven(pos *types.Position, risk float64) {
	info := m.broker.SymbolInfo(pos.Symbol)
	move := pos.PriceMove(pos.CurrentPrice)
	if !triggerReached(move, m.cfg.BreakevenTriggerRR*risk, info.Point) {
		return
	}
	target := pos.OpenPrice + m.cfg.BreakevenBufferPoints*info.Point*pos.Type.DirectionSign()
	if !m.improvesStop(pos, target) {
		return
	}
	if err := m.broker.ModifyPosition(pos.Ticket, &target, nil); err != nil {
		m.log.Warnf("Breakeven move rejected for ticket %d: %v", pos.Ticket, err)
		return
	}
	pos.SL = target
	m.log.Debugf("Ticket %d stop moved to breakeven %v", pos.Ticket, target)
}

// applyTrailing trails the stop behind price, monotonically favorable only
func (m *PositionManager) applyTrailing(pos *types.Position, risk float64) {
	var target float64
	switch m.cfg.TrailMode {
	case "atr":
		atr, ok := m.currentATR(pos.Symbol)
		if !ok {
			return
		}
		target = pos.CurrentPrice - atr*m.cfg.ATRMultiplier*pos.Type.DirectionSign()
	default:
		info := m.broker.SymbolInfo(pos.Symbol)
		if !triggerReached(pos.PriceMove(pos.CurrentPrice), m.cfg.TrailTriggerRR*risk, info.Point) {
			return
		}
		target = pos.CurrentPrice - m.cfg.TrailDistancePoints*info.Point*pos.Type.DirectionSign()
	}
	if !m.improvesStop(pos, target) {
		return
	}
	if err := m.broker.ModifyPosition(pos.Ticket, &target, nil); err != nil {
		m.log.Warnf("Trailing move rejected for ticket %d: %v", pos.Ticket, err)
		return
	}
	pos.SL = target
}

// triggerReached reports whether the favorable move has reached the trigger
// distance. A thousandth of a point of slack absorbs the float rounding of
// the two price subtractions, which otherwise drops a move sitting exactly
// on the trigger R-multiple.
func triggerReached(move, trigger, point float64) bool {
	return move >= trigger-point*1e-3
}

// improvesStop reports whether the candidate stop is strictly more
// favorable than the current one
func (m *PositionManager) improvesStop(pos *types.Position, target float64) bool {
	if pos.SL <= 0 {
		return true
	}
	return (target-pos.SL)*pos.Type.DirectionSign() > 0
}

// currentATR computes the ATR on the configured timeframe from closed bars
func (m *PositionManager) currentATR(symbol string) (float64, bool) {
	period := m.cfg.ATRPeriod
	bars := m.broker.Candles(symbol, types.Timeframe(m.cfg.ATRTimeframe), period*3)
	if len(bars) <= period {
		return 0, false
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	_, atr := indicator.Atr(period, highs, lows, closes)
	v := atr[len(atr)-1]
	if v <= 0 {
		return 0, false
	}
	return v, true
}
