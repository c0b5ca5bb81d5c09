package strategy

import (
	"fmt"
	"math"

	"backsim/internal/config"
	"backsim/internal/logging"
	"backsim/internal/types"
	"backsim/pkg/broker"
)

// RiskManager sizes positions so the loss at the stop equals a fixed
// percentage of balance, subject to instrument constraints. A zero lot
// return means the instrument is filtered out at this price.
type RiskManager struct {
	cfg    config.RiskConfig
	broker broker.Broker
	log    *logging.Logger
}

// NewRiskManager creates a risk manager over the broker's account state
func NewRiskManager(cfg config.RiskConfig, b broker.Broker) *RiskManager {
	return &RiskManager{
		cfg:    cfg,
		broker: b,
		log:    logging.NewComponentLogger("risk"),
	}
}

// CalculateLots returns the lot size for an order with the given entry and
// stop. Returns 0 when the symbol is filtered out; the caller should skip
// the trade.
func (r *RiskManager) CalculateLots(symbol string, side types.PositionType, entry, sl float64) (float64, error) {
	if err := r.ValidateStop(side, entry, sl); err != nil {
		return 0, err
	}
	info := r.broker.SymbolInfo(symbol)
	if info.Point <= 0 || info.ContractSize <= 0 {
		return 0, fmt.Errorf("%s: unusable symbol info (point=%v contract=%v)", symbol, info.Point, info.ContractSize)
	}
	acct := r.broker.Account()

	riskAmount := acct.Balance * r.cfg.RiskPercent / 100
	slDistancePoints := math.Abs(entry-sl) / info.Point
	pointValue := r.pointValue(info)
	if pointValue <= 0 {
		return 0, fmt.Errorf("%s: no cross-rate to price a point in %s", symbol, acct.Currency)
	}

	rawLots := riskAmount / (slDistancePoints * pointValue)

	minLot, maxLot := info.MinLot, info.MaxLot
	if r.cfg.MinLotOverride > 0 && r.cfg.MinLotOverride > minLot {
		minLot = r.cfg.MinLotOverride
	}
	if r.cfg.MaxLotOverride > 0 && r.cfg.MaxLotOverride < maxLot {
		maxLot = r.cfg.MaxLotOverride
	}

	// Too small to trade at the configured risk: using min lot anyway is
	// only allowed while the implied risk stays under the multiplier cap
	if rawLots < info.MinLot {
		impliedRisk := info.MinLot * slDistancePoints * pointValue / acct.Balance * 100
		if impliedRisk > r.cfg.MaxRiskMultiplier*r.cfg.RiskPercent {
			r.log.LogRisk(symbol, 0, impliedRisk, "min lot exceeds risk multiplier cap")
			return 0, nil
		}
		rawLots = info.MinLot
	}

	lots := roundToStep(rawLots, info.LotStep)
	if lots < minLot {
		lots = minLot
	}
	if lots > maxLot {
		lots = maxLot
	}

	// Margin guard: shrink proportionally when the sized lot would consume
	// more than the configured share of free margin
	if margin := r.marginFor(info, lots, entry); margin > 0 && acct.FreeMargin > 0 {
		limit := r.cfg.MarginUsageLimit * acct.FreeMargin
		if margin > limit {
			lots = roundToStep(lots*limit/margin, info.LotStep)
			if lots < info.MinLot {
				r.log.LogRisk(symbol, 0, r.cfg.RiskPercent, "insufficient free margin")
				return 0, nil
			}
		}
	}

	r.log.LogRisk(symbol, lots, r.cfg.RiskPercent, "sized")
	return lots, nil
}

// ValidateStop rejects stops that are zero-distance or on the wrong side of
// the entry
func (r *RiskManager) ValidateStop(side types.PositionType, entry, sl float64) error {
	if sl <= 0 {
		return fmt.Errorf("stop loss required for sizing, got %v", sl)
	}
	if side == types.PositionTypeBuy && sl >= entry {
		return fmt.Errorf("buy stop %v not below entry %v", sl, entry)
	}
	if side == types.PositionTypeSell && sl <= entry {
		return fmt.Errorf("sell stop %v not above entry %v", sl, entry)
	}
	return nil
}

// pointValue returns the account-currency value of one point for one lot
func (r *RiskManager) pointValue(info types.SymbolInfo) float64 {
	if info.TickValue > 0 {
		return info.TickValue
	}
	value := info.Point * info.ContractSize // quote currency per lot per point
	account := r.broker.Account().Currency
	if info.CurrencyProfit == "" || info.CurrencyProfit == account {
		return value
	}
	if rate, ok := r.broker.CurrentPrice(info.CurrencyProfit+account, types.PriceSideBid); ok && rate > 0 {
		return value * rate
	}
	if rate, ok := r.broker.CurrentPrice(account+info.CurrencyProfit, types.PriceSideBid); ok && rate > 0 {
		return value / rate
	}
	return 0
}

// marginFor approximates required margin in account currency
func (r *RiskManager) marginFor(info types.SymbolInfo, lots, entry float64) float64 {
	if r.cfg.Leverage <= 0 {
		return 0
	}
	notional := lots * info.ContractSize * entry
	account := r.broker.Account().Currency
	if info.CurrencyProfit != "" && info.CurrencyProfit != account {
		if rate, ok := r.broker.CurrentPrice(info.CurrencyProfit+account, types.PriceSideBid); ok && rate > 0 {
			notional *= rate
		} else if rate, ok := r.broker.CurrentPrice(account+info.CurrencyProfit, types.PriceSideBid); ok && rate > 0 {
			notional /= rate
		}
	}
	return notional / r.cfg.Leverage
}

// roundToStep snaps lots to the instrument's lot step, rounding half to
// even on the step boundary
func roundToStep(lots, step float64) float64 {
	if step <= 0 {
		return lots
	}
	return math.RoundToEven(lots/step) * step
}
