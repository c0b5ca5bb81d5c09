package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backsim/internal/types"
)

// EquityPoint is one sample of the account state over the run
type EquityPoint struct {
	Time          time.Time `json:"time"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	Profit        float64   `json:"profit"` // floating P&L at the sample
	OpenPositions int       `json:"open_positions"`
}

// Results is the run-end record. SLTPEvaluation and Granularity label the
// stop cadence the run used so journals are never compared across modes.
type Results struct {
	Symbols        []string            `json:"symbols"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	Granularity    string              `json:"granularity"`
	SLTPEvaluation string              `json:"sltp_evaluation"`
	InitialBalance float64             `json:"initial_balance"`
	FinalBalance   float64             `json:"final_balance"`
	FinalEquity    float64             `json:"final_equity"`
	TotalProfit    float64             `json:"total_profit"`
	ProfitPercent  float64             `json:"profit_percent"`
	TotalTrades    int                 `json:"total_trades"`
	MaxDrawdown    float64             `json:"max_drawdown"`
	MaxDrawdownPct float64             `json:"max_drawdown_pct"`
	EquityCurve    []EquityPoint       `json:"equity_curve"`
	TradeLog       []types.ClosedTrade `json:"trade_log"`
}

// maxDrawdown returns the deepest peak-to-trough equity drop over the curve,
// absolute and as a percent of the peak
func maxDrawdown(curve []EquityPoint) (float64, float64) {
	var peak, worst, worstPct float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := peak - p.Equity; dd > worst {
			worst = dd
			if peak > 0 {
				worstPct = dd / peak * 100
			}
		}
	}
	return worst, worstPct
}

// Save writes the results as JSON into the directory, returning the file
// path. Written atomically like the position journal.
func (r *Results) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	name := fmt.Sprintf("backtest_%s.json", time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace results: %w", err)
	}
	return path, nil
}
