package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// HFT trades short bursts of tick momentum: when the current mid price has
// run a threshold number of points away from its moving average over the
// last N ticks, it enters in the direction of the move with tight fixed
// stops. It holds at most one position per direction.
type HFT struct {
	cfg    config.HFTConfig
	risk   *RiskManager
	broker broker.Broker
	log    *logging.Logger
	symbol string

	mids      []float64
	validator *Validator
}

// NewHFT creates an HFT momentum strategy instance for one symbol
func NewHFT(symbol string, cfg config.HFTConfig, b broker.Broker, risk *RiskManager) *HFT {
	return &HFT{
		cfg:    cfg,
		risk:   risk,
		broker: b,
		log:    logging.NewComponentLogger("hft." + symbol),
		symbol: symbol,
	}
}

// Name implements Strategy
func (s *HFT) Name() string { return types.StrategyTagHFT }

// Symbol implements Strategy
func (s *HFT) Symbol() string { return s.symbol }

// Initialize implements Strategy
func (s *HFT) Initialize() bool {
	if s.cfg.MomentumTicks < 2 {
		s.log.Errorf("Momentum window %d too short", s.cfg.MomentumTicks)
		return false
	}
	return true
}

// Shutdown implements Strategy
func (s *HFT) Shutdown() {}

// OnTick implements Strategy
func (s *HFT) OnTick() {
	bid, okB := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
	ask, okA := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk)
	if !okB || !okA {
		return
	}
	mid := (bid + ask) / 2
	s.mids = append(s.mids, mid)
	if len(s.mids) > s.cfg.MomentumTicks {
		s.mids = s.mids[len(s.mids)-s.cfg.MomentumTicks:]
	}
	if len(s.mids) < s.cfg.MomentumTicks {
		return
	}

	info := s.broker.SymbolInfo(s.symbol)
	sma := indicator.Sma(s.cfg.MomentumTicks, s.mids)
	driftPoints := (mid - sma[len(sma)-1]) / info.Point

	var side types.PositionType
	switch {
	case driftPoints >= s.cfg.MomentumThresholdPoints:
		side = types.PositionTypeBuy
	case driftPoints <= -s.cfg.MomentumThresholdPoints:
		side = types.PositionTypeSell
	default:
		return
	}

	s.validator = NewValidator(PolicyAll,
		BoolCheck("spread", "S", func() (bool, string) {
			if points := (ask - bid) / info.Point; points > s.cfg.MaxSpreadPoints {
				return false, fmt.Sprintf("spread %.1f above %.1f points", points, s.cfg.MaxSpreadPoints)
			}
			return true, ""
		}),
		BoolCheck("momentum", "M", func() (bool, string) {
			return true, ""
		}),
	)
	if !s.validator.Validate() {
		return
	}
	s.enter(side, bid, ask, info)
}

func (s *HFT) enter(side types.PositionType, bid, ask float64, info types.SymbolInfo) {
	entry := ask
	if side == types.PositionTypeSell {
		entry = bid
	}
	sl := entry - s.cfg.SLPoints*info.Point*side.DirectionSign()
	tp := entry + s.cfg.TPPoints*info.Point*side.DirectionSign()

	lots, err := s.risk.CalculateLots(s.symbol, side, entry, sl)
	if err != nil {
		s.log.Warnf("Sizing failed: %v", err)
		return
	}
	if lots <= 0 {
		return
	}
	direction := "buy"
	if side == types.PositionTypeSell {
		direction = "sell"
	}
	comment := types.BuildComment(types.StrategyTagHFT, "", direction, s.validator.Confirmations())
	res, err := s.broker.PlaceMarketOrder(types.OrderRequest{
		Symbol:  s.symbol,
		Side:    side,
		Volume:  lots,
		SL:      sl,
		TP:      tp,
		Magic:   s.cfg.Magic,
		Comment: comment,
	})
	if err != nil {
		s.log.Errorf("Order failed: %v", err)
		return
	}
	if res.Filled() {
		// Restart the window so one burst doesn't stack entries
		s.mids = s.mids[:0]
	}
}

// OnPositionClosed implements Strategy
func (s *HFT) OnPositionClosed(symbol string, profit, volume float64, comment string) {
	s.log.Infof("Position closed on %s: profit %.2f volume %.2f", symbol, profit, volume)
}

// Status implements Strategy
func (s *HFT) Status() map[string]interface{} {
	return map[string]interface{}{
		"strategy":    s.Name(),
		"symbol":      s.symbol,
		"window_fill": len(s.mids),
	}
}
