package strategy

import (
	"fmt"
	"time"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// fakeoutState tracks a pending fakeout on one side of the reference range
type fakeoutState struct {
	Detected    bool      `json:"detected"`
	FakeoutTime time.Time `json:"fakeout_time"`
	Extreme     float64   `json:"extreme"` // furthest excursion beyond the level
	Confirmed   bool      `json:"confirmed"`
	Rejected    bool      `json:"rejected"`
}

// Fakeout fades failed breakouts: a work bar closes outside the reference
// range on weak volume, then a later bar closes back inside it. Entry is
// against the breakout, toward the range interior, with the stop beyond the
// fakeout extreme.
type Fakeout struct {
	cfg    config.FakeoutConfig
	risk   *RiskManager
	broker broker.Broker
	log    *logging.Logger
	symbol string

	refTF, workTF types.Timeframe
	ref           *types.Candle
	above, below  fakeoutState
	lastWorkBar   time.Time
	validator     *Validator
}

// NewFakeout creates a fakeout strategy instance for one symbol
func NewFakeout(symbol string, cfg config.FakeoutConfig, b broker.Broker, risk *RiskManager) *Fakeout {
	return &Fakeout{
		cfg:    cfg,
		risk:   risk,
		broker: b,
		log:    logging.NewComponentLogger("fakeout." + symbol),
		symbol: symbol,
		refTF:  types.Timeframe(cfg.RefTimeframe),
		workTF: types.Timeframe(cfg.WorkTimeframe),
	}
}

// Name implements Strategy
func (s *Fakeout) Name() string { return types.StrategyTagFakeout }

// Symbol implements Strategy
func (s *Fakeout) Symbol() string { return s.symbol }

// Initialize implements Strategy
func (s *Fakeout) Initialize() bool {
	if s.cfg.LowVolumeRatio <= 0 || s.cfg.LowVolumeRatio >= 1 {
		s.log.Errorf("Low-volume ratio %v outside (0, 1)", s.cfg.LowVolumeRatio)
		return false
	}
	return true
}

// Shutdown implements Strategy
func (s *Fakeout) Shutdown() {}

// OnTick implements Strategy
func (s *Fakeout) OnTick() {
	if !s.refreshReference() {
		return
	}
	s.expireStale()

	bars := s.broker.Candles(s.symbol, s.workTF, s.cfg.VolumeLookback+1)
	if len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1]
	if last.Time.Equal(s.lastWorkBar) {
		return
	}
	s.lastWorkBar = last.Time
	s.onWorkBar(bars)
}

func (s *Fakeout) refreshReference() bool {
	refBars := s.broker.Candles(s.symbol, s.refTF, 1)
	if len(refBars) == 0 {
		return false
	}
	ref := refBars[len(refBars)-1]
	if s.ref == nil || !s.ref.Time.Equal(ref.Time) {
		s.ref = &ref
		s.above = fakeoutState{}
		s.below = fakeoutState{}
	}
	return true
}

func (s *Fakeout) expireStale() {
	now := s.broker.Now()
	timeout := time.Duration(s.cfg.TimeoutMinutes) * time.Minute
	for _, st := range []*fakeoutState{&s.above, &s.below} {
		if st.Detected && !st.Confirmed && now.Sub(st.FakeoutTime) > timeout {
			*st = fakeoutState{}
		}
	}
}

// onWorkBar watches for the two-bar fakeout pattern on each side of the
// range
func (s *Fakeout) onWorkBar(bars []types.Candle) {
	last := bars[len(bars)-1]
	history := bars[:len(bars)-1]
	insideOpen := last.Open >= s.ref.Low && last.Open <= s.ref.High

	if !s.above.Detected && insideOpen && last.Close > s.ref.High {
		s.detect(&s.above, last, last.High, history)
	}
	if !s.below.Detected && insideOpen && last.Close < s.ref.Low {
		s.detect(&s.below, last, last.Low, history)
	}

	backInside := last.Close <= s.ref.High && last.Close >= s.ref.Low
	if s.ready(&s.above) && backInside {
		s.above.Confirmed = true
		s.enter(types.PositionTypeSell, s.above.Extreme)
	}
	if s.ready(&s.below) && backInside {
		s.below.Confirmed = true
		s.enter(types.PositionTypeBuy, s.below.Extreme)
	}
}

func (s *Fakeout) ready(st *fakeoutState) bool {
	return st.Detected && !st.Confirmed && !st.Rejected
}

// detect records a breakout and qualifies it as a fakeout candidate: the
// move must be on volume below the configured fraction of baseline
func (s *Fakeout) detect(st *fakeoutState, bar types.Candle, extreme float64, history []types.Candle) {
	st.Detected = true
	st.FakeoutTime = bar.CloseTime(s.workTF)
	st.Extreme = extreme

	s.validator = NewValidator(PolicyAll,
		BoolCheck("weak_volume", "W", func() (bool, string) {
			avg := averageVolume(history)
			if avg <= 0 {
				return false, "no volume baseline"
			}
			if bar.Volume > s.cfg.LowVolumeRatio*avg {
				return false, fmt.Sprintf("volume %.0f above %.2fx baseline %.0f", bar.Volume, s.cfg.LowVolumeRatio, avg)
			}
			return true, ""
		}),
		BoolCheck("spread", "S", func() (bool, string) {
			bid, okB := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
			ask, okA := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk)
			if !okB || !okA {
				return false, "no quote"
			}
			info := s.broker.SymbolInfo(s.symbol)
			if points := (ask - bid) / info.Point; points > s.cfg.MaxSpreadPoints {
				return false, fmt.Sprintf("spread %.1f above %.1f points", points, s.cfg.MaxSpreadPoints)
			}
			return true, ""
		}),
	)
	if !s.validator.Validate() {
		st.Rejected = true
		s.log.Debugf("Fakeout candidate disqualified: %v", s.validator.FailureReasons())
	}
}

// enter fades the failed breakout with the stop beyond its extreme
func (s *Fakeout) enter(side types.PositionType, extreme float64) {
	var entry float64
	var direction string
	if side == types.PositionTypeBuy {
		ask, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideAsk)
		if !ok {
			return
		}
		entry, direction = ask, "buy"
	} else {
		bid, ok := s.broker.CurrentPrice(s.symbol, types.PriceSideBid)
		if !ok {
			return
		}
		entry, direction = bid, "sell"
	}
	info := s.broker.SymbolInfo(s.symbol)
	sl := extreme - s.cfg.SLBufferPoints*info.Point*side.DirectionSign()
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
	comment := types.BuildComment(types.StrategyTagFakeout, s.cfg.RangeTag, direction, s.validator.Confirmations())
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

// OnPositionClosed implements Strategy
func (s *Fakeout) OnPositionClosed(symbol string, profit, volume float64, comment string) {
	tag := types.ParseComment(comment)
	switch tag.Direction {
	case "buy":
		s.below.Rejected = true
	case "sell":
		s.above.Rejected = true
	}
	s.log.Infof("Position closed on %s: profit %.2f volume %.2f", symbol, profit, volume)
}

// Status implements Strategy
func (s *Fakeout) Status() map[string]interface{} {
	status := map[string]interface{}{
		"strategy": s.Name(),
		"symbol":   s.symbol,
		"above":    s.above,
		"below":    s.below,
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
