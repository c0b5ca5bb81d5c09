package strategy

import (
	"fmt"
	"time"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// directionState tracks the breakout lifecycle for one side of the
// reference range. Reset on a new reference candle or timeout.
type directionState struct {
	Detected       bool      `json:"detected"`
	BreakoutVolume float64   `json:"breakout_volume"`
	BreakoutTime   time.Time `json:"breakout_time"`
	Qualified      bool      `json:"qualified"`
	RetestSeen     bool      `json:"retest_seen"`
	Confirmed      bool      `json:"confirmed"`
	Rejected       bool      `json:"rejected"`
}

// Breakout trades confirmed range breakouts: a work-timeframe bar opens
// inside the reference candle's range and closes outside it on elevated
// volume, price retests the broken level, and a work bar closes back beyond
// it. Entry follows the breakout direction.
type Breakout struct {
	cfg    config.BreakoutConfig
	risk   *RiskManager
	broker broker.Broker
	log    *logging.Logger
	symbol string

	refTF, workTF types.Timeframe
	ref           *types.Candle
	up, down      directionState
	lastWorkBar   time.Time
	validator     *Validator
}

// NewBreakout creates a breakout strategy instance for one symbol
func NewBreakout(symbol string, cfg config.BreakoutConfig, b broker.Broker, risk *RiskManager) *Breakout {
	return &Breakout{
		cfg:    cfg,
		risk:   risk,
		broker: b,
		log:    logging.NewComponentLogger("breakout." + symbol),
		symbol: symbol,
		refTF:  types.Timeframe(cfg.RefTimeframe),
		workTF: types.Timeframe(cfg.WorkTimeframe),
	}
}

// Name implements Strategy
func (s *Breakout) Name() string { return types.StrategyTagBreakout }

// Symbol implements Strategy
func (s *Breakout) Symbol() string { return s.symbol }

// Initialize implements Strategy
func (s *Breakout) Initialize() bool {
	if s.refTF.Duration() <= s.workTF.Duration() {
		s.log.Errorf("Reference timeframe %s not above work timeframe %s", s.refTF, s.workTF)
		return false
	}
	return true
}

// Shutdown implements Strategy
func (s *Breakout) Shutdown() {}

// OnTick implements Strategy
func (s *Breakout) OnTick() {
	if !s.refreshReference() {
		return
	}
	s.expireStale()

	bars := s.broker.Candles(s.symbol, s.workTF, s.cfg.VolumeLookback+1)
	if len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1]
	if !last.Time.Equal(s.lastWorkBar) {
		s.lastWorkBar = last.Time
		s.onWorkBar(bars)
	}
	s.checkRetests()
}

// refreshReference captures the latest closed reference-timeframe bar,
// resetting both direction states when the range changes
func (s *Breakout) refreshReference() bool {
	refBars := s.broker.Candles(s.symbol, s.refTF, 1)
	if len(refBars) == 0 {
		return false
	}
	ref := refBars[len(refBars)-1]
	if s.ref == nil || !s.ref.Time.Equal(ref.Time) {
		s.ref = &ref
		s.up = directionState{}
		s.down = directionState{}
	}
	return true
}

// expireStale resets a detected breakout that has idled past the timeout
func (s *Breakout) expireStale() {
	now := s.broker.Now()
	timeout := time.Duration(s.cfg.TimeoutMinutes) * time.Minute
	for _, st := range []*directionState{&s.up, &s.down} {
		if st.Detected && !st.Confirmed && now.Sub(st.BreakoutTime) > timeout {
			*st = directionState{}
		}
	}
}

// onWorkBar processes a newly closed work-timeframe bar: breakout detection
// on both sides, then confirmation for qualified retested breakouts
func (s *Breakout) onWorkBar(bars []types.Candle) {
	last := bars[len(bars)-1]
	insideOpen := last.Open >= s.ref.Low && last.Open <= s.ref.High

	if !s.up.Detected && insideOpen && last.Close > s.ref.High {
		s.detect(&s.up, types.PositionTypeBuy, last, bars[:len(bars)-1])
	}
	if !s.down.Detected && insideOpen && last.Close < s.ref.Low {
		s.detect(&s.down, types.PositionTypeSell, last, bars[:len(bars)-1])
	}

	if s.readyToConfirm(&s.up) && last.Close > s.ref.High {
		s.up.Confirmed = true
		s.enter(types.PositionTypeBuy)
	}
	if s.readyToConfirm(&s.down) && last.Close < s.ref.Low {
		s.down.Confirmed = true
		s.enter(types.PositionTypeSell)
	}
}

func (s *Breakout) readyToConfirm(st *directionState) bool {
	return st.Detected && st.Qualified && st.RetestSeen && !st.Confirmed && !st.Rejected
}

// detect records a fresh breakout and qualifies it through the validation
// checks
func (s *Breakout) detect(st *directionState, side types.PositionType, bar types.Candle, history []types.Candle) {
	st.Detected = true
	st.BreakoutVolume = bar.Volume
	st.BreakoutTime = bar.CloseTime(s.workTF)

	s.validator = NewValidator(PolicyAll,
		BoolCheck("volume_surge", "V", func() (bool, string) {
			avg := averageVolume(history)
			if avg <= 0 {
				return false, "no volume baseline"
			}
			if bar.Volume < s.cfg.VolumeMultiplier*avg {
				return false, fmt.Sprintf("volume %.0f below %.1fx baseline %.0f", bar.Volume, s.cfg.VolumeMultiplier, avg)
			}
			return true, ""
		}),
		BoolCheck("spread", "S", func() (bool, string) {
			return s.spreadAcceptable(s.cfg.MaxSpreadPoints)
		}),
		BoolCheck("body_direction", "B", func() (bool, string) {
			if side == types.PositionTypeBuy && !bar.IsBullish() {
				return false, "breakout bar not bullish"
			}
			if side == types.PositionTypeSell && !bar.IsBearish() {
				return false, "breakout bar not bearish"
			}
			return true, ""
		}),
	)
	st.Qualified = s.validator.Validate()
	if !st.Qualified {
		st.Rejected = true
		s.log.Debugf("Breakout %s disqualified: %v", side, s.validator.FailureReasons())
		return
	}
	price, _ := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
	s.log.LogBreakout(s.symbol, string(side), price, s.ref.High, s.ref.Low)
}

// checkRetests runs per tick: a qualified breakout arms for confirmation
// once price returns within tolerance of the broken level
func (s *Breakout) checkRetests() {
	bid, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
	if !ok {
		return
	}
	if s.up.Detected && s.up.Qualified && !s.up.RetestSeen && !s.up.Rejected {
		if diff := bid - s.ref.High; diff >= -s.retestTolerance(s.ref.High) && diff <= s.retestTolerance(s.ref.High) {
			s.up.RetestSeen = true
		}
	}
	if s.down.Detected && s.down.Qualified && !s.down.RetestSeen && !s.down.Rejected {
		if diff := s.ref.Low - bid; diff >= -s.retestTolerance(s.ref.Low) && diff <= s.retestTolerance(s.ref.Low) {
			s.down.RetestSeen = true
		}
	}
}

// retestTolerance resolves the configured tolerance mode at the given price
// scale. Auto picks the smaller of the percent and points distances so
// high-priced instruments don't get an absurdly wide band.
func (s *Breakout) retestTolerance(level float64) float64 {
	info := s.broker.SymbolInfo(s.symbol)
	byPercent := level * s.cfg.RetestTolerancePercent / 100
	byPoints := s.cfg.RetestTolerancePoints * info.Point
	switch s.cfg.RetestToleranceMode {
	case "percent":
		return byPercent
	case "points":
		return byPoints
	default:
		if byPercent < byPoints {
			return byPercent
		}
		return byPoints
	}
}

func (s *Breakout) spreadAcceptable(maxPoints float64) (bool, string) {
	bid, okB := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
	ask, okA := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk)
	if !okB || !okA {
		return false, "no quote"
	}
	info := s.broker.SymbolInfo(s.symbol)
	spreadPoints := (ask - bid) / info.Point
	if spreadPoints > maxPoints {
		return false, fmt.Sprintf("spread %.1f above %.1f points", spreadPoints, maxPoints)
	}
	return true, ""
}

// enter places the confirmed breakout trade
func (s *Breakout) enter(side types.PositionType) {
	var entry, level float64
	var direction string
	if side == types.PositionTypeBuy {
		ask, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk)
		if !ok {
			return
		}
		entry, level, direction = ask, s.ref.High, "buy"
	} else {
		bid, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
		if !ok {
			return
		}
		entry, level, direction = bid, s.ref.Low, "sell"
	}
	info := s.broker.SymbolInfo(s.symbol)
	sl := level - s.cfg.SLBufferPoints*info.Point*side.DirectionSign()
	riskDist := (entry - sl) * side.DirectionSign()
	if riskDist <= 0 {
		return
	}
	tp := entry + s.cfg.RRTarget*riskDist*side.DirectionSign()

	lots, err := s.risk.CalculateLots(s.symbol, side, entry, sl)
	if err != nil {
		s.log.Warnf("Sizing failed: %v", err)
		return
	}
	if lots <= 0 {
		return
	}
	comment := types.BuildComment(types.StrategyTagBreakout, s.cfg.RangeTag, direction, s.validator.Confirmations())
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
	if !res.Filled() {
		s.log.Debugf("Order rejected: %s", res.Reason)
	}
}

// OnPositionClosed implements Strategy. The closed direction is retired for
// the remainder of the current reference range.
func (s *Breakout) OnPositionClosed(symbol string, profit, volume float64, comment string) {
	tag := types.ParseComment(comment)
	switch tag.Direction {
	case "buy":
		s.up.Rejected = true
	case "sell":
		s.down.Rejected = true
	}
	s.log.Infof("Position closed on %s: profit %.2f volume %.2f", symbol, profit, volume)
}

// Status implements Strategy
func (s *Breakout) Status() map[string]interface{} {
	status := map[string]interface{}{
		"strategy": s.Name(),
		"symbol":   s.symbol,
		"up":       s.up,
		"down":     s.down,
	}
	if s.ref != nil {
		status["reference"] = map[string]interface{}{
			"time": s.ref.Time,
			"high": s.ref.High,
			"low":  s.ref.Low,
		}
	}
	return status
}
