package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"backsim/internal/types"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig             `json:"app"`
	Backtest   BacktestConfig        `json:"backtest"`
	Broker     BrokerConfig          `json:"broker"`
	Risk       RiskConfig            `json:"risk"`
	Positions  PositionManagerConfig `json:"positions"`
	Strategies StrategiesConfig      `json:"strategies"`
	Logging    LoggingConfig         `json:"logging"`
}

// AppConfig contains basic application configuration
type AppConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"` // "development", "production", "test"
	Debug       bool   `json:"debug"`
}

// BacktestConfig contains run-level backtest configuration
type BacktestConfig struct {
	DataDirectory    string    `json:"data_directory"`
	ResultsDirectory string    `json:"results_directory"`
	Symbols          []string  `json:"symbols"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`

	// Granularity selects how the clock advances: "tick" or "minute"
	Granularity string `json:"granularity"`
	// TimingMode is "realtime", "fast" or "max_speed"
	TimingMode string `json:"timing_mode"`
	// SLTPEvaluation fixes the stop evaluation cadence for the whole run:
	// "tick" or "bar". Echoed into the results record.
	SLTPEvaluation string `json:"sltp_evaluation"`

	// Parallel false runs the single-threaded cooperative loop
	Parallel bool `json:"parallel"`
	// BufferDays of history loaded before Start for strategy lookback
	BufferDays int `json:"buffer_days"`
	// ChunkSize is tick rows resident per symbol stream
	ChunkSize int `json:"chunk_size"`
	// StrictStrategyErrors aborts the run on a strategy panic
	StrictStrategyErrors bool `json:"strict_strategy_errors"`
}

// BrokerConfig contains simulated broker configuration
type BrokerConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	Currency       string  `json:"currency"`
	SlippagePoints float64 `json:"slippage_points"`
	// JournalPath is where the open-position journal is written; empty
	// disables persistence
	JournalPath string                      `json:"journal_path"`
	Symbols     map[string]types.SymbolInfo `json:"symbols"`
}

// RiskConfig contains risk engine configuration
type RiskConfig struct {
	RiskPercent       float64 `json:"risk_percent"`        // % of balance risked per trade
	MaxRiskMultiplier float64 `json:"max_risk_multiplier"` // Min-lot filter threshold
	MinLotOverride    float64 `json:"min_lot_override"`    // 0 = no override
	MaxLotOverride    float64 `json:"max_lot_override"`    // 0 = no override
	MarginUsageLimit  float64 `json:"margin_usage_limit"`  // Fraction of free margin
	Leverage          float64 `json:"leverage"`
}

// PositionManagerConfig contains trailing stop and breakeven configuration
type PositionManagerConfig struct {
	BreakevenTriggerRR    float64 `json:"breakeven_trigger_rr"`
	BreakevenBufferPoints float64 `json:"breakeven_buffer_points"`
	TrailMode             string  `json:"trail_mode"` // "fixed" or "atr"
	TrailTriggerRR        float64 `json:"trail_trigger_rr"`
	TrailDistancePoints   float64 `json:"trail_distance_points"`
	ATRPeriod             int     `json:"atr_period"`
	ATRTimeframe          string  `json:"atr_timeframe"`
	ATRMultiplier         float64 `json:"atr_multiplier"`
}

// StrategiesConfig groups per-strategy configuration
type StrategiesConfig struct {
	Breakout BreakoutConfig `json:"breakout"`
	Fakeout  FakeoutConfig  `json:"fakeout"`
	HFT      HFTConfig      `json:"hft"`
}

// BreakoutConfig contains breakout strategy configuration
type BreakoutConfig struct {
	Enabled       bool   `json:"enabled"`
	RefTimeframe  string `json:"ref_timeframe"`  // Higher timeframe for the reference candle
	WorkTimeframe string `json:"work_timeframe"` // Timeframe the strategy trades on
	RangeTag      string `json:"range_tag"`      // "15M_1M" or "4H_5M"

	VolumeMultiplier float64 `json:"volume_multiplier"` // Breakout volume vs baseline
	VolumeLookback   int     `json:"volume_lookback"`   // Bars in the volume baseline

	// Retest tolerance: auto picks the smaller of the percent- and
	// points-based distances at the current price scale
	RetestToleranceMode    string  `json:"retest_tolerance_mode"` // "percent", "points", "auto"
	RetestTolerancePercent float64 `json:"retest_tolerance_percent"`
	RetestTolerancePoints  float64 `json:"retest_tolerance_points"`

	TimeoutMinutes  int     `json:"timeout_minutes"` // Breakout state reset timeout
	SLBufferPoints  float64 `json:"sl_buffer_points"`
	RRTarget        float64 `json:"rr_target"` // TP distance as a multiple of SL distance
	MaxSpreadPoints float64 `json:"max_spread_points"`
	Magic           int     `json:"magic"`
}

// FakeoutConfig contains fakeout strategy configuration
type FakeoutConfig struct {
	Enabled       bool   `json:"enabled"`
	RefTimeframe  string `json:"ref_timeframe"`
	WorkTimeframe string `json:"work_timeframe"`
	RangeTag      string `json:"range_tag"`

	// A breakout on volume below this fraction of baseline is a fakeout
	// candidate once price closes back inside the range
	LowVolumeRatio  float64 `json:"low_volume_ratio"`
	VolumeLookback  int     `json:"volume_lookback"`
	TimeoutMinutes  int     `json:"timeout_minutes"`
	SLBufferPoints  float64 `json:"sl_buffer_points"`
	RRTarget        float64 `json:"rr_target"`
	MaxSpreadPoints float64 `json:"max_spread_points"`
	Magic           int     `json:"magic"`
}

// HFTConfig contains HFT momentum strategy configuration
type HFTConfig struct {
	Enabled                 bool    `json:"enabled"`
	MomentumTicks           int     `json:"momentum_ticks"` // Window of recent ticks
	MomentumThresholdPoints float64 `json:"momentum_threshold_points"`
	SLPoints                float64 `json:"sl_points"`
	TPPoints                float64 `json:"tp_points"`
	MaxSpreadPoints         float64 `json:"max_spread_points"`
	Magic                   int     `json:"magic"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "text" or "json"
	Output     string `json:"output"` // "stdout", "file", "both"
	Directory  string `json:"directory"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

// Load reads a JSON config file, applies defaults and environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with sensible defaults
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "backsim"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}

	if c.Backtest.Granularity == "" {
		c.Backtest.Granularity = "tick"
	}
	if c.Backtest.TimingMode == "" {
		c.Backtest.TimingMode = "max_speed"
	}
	if c.Backtest.SLTPEvaluation == "" {
		if c.Backtest.Granularity == "minute" {
			c.Backtest.SLTPEvaluation = "bar"
		} else {
			c.Backtest.SLTPEvaluation = "tick"
		}
	}
	if c.Backtest.BufferDays == 0 {
		c.Backtest.BufferDays = 10
	}
	if c.Backtest.ResultsDirectory == "" {
		c.Backtest.ResultsDirectory = "results"
	}

	if c.Broker.InitialBalance == 0 {
		c.Broker.InitialBalance = 10000
	}
	if c.Broker.Currency == "" {
		c.Broker.Currency = "USD"
	}

	if c.Risk.RiskPercent == 0 {
		c.Risk.RiskPercent = 1.0
	}
	if c.Risk.MaxRiskMultiplier == 0 {
		c.Risk.MaxRiskMultiplier = 3.0
	}
	if c.Risk.MarginUsageLimit == 0 {
		c.Risk.MarginUsageLimit = 0.8
	}
	if c.Risk.Leverage == 0 {
		c.Risk.Leverage = 100
	}

	if c.Positions.BreakevenTriggerRR == 0 {
		c.Positions.BreakevenTriggerRR = 1.0
	}
	if c.Positions.BreakevenBufferPoints == 0 {
		c.Positions.BreakevenBufferPoints = 2
	}
	if c.Positions.TrailMode == "" {
		c.Positions.TrailMode = "fixed"
	}
	if c.Positions.TrailTriggerRR == 0 {
		c.Positions.TrailTriggerRR = 1.5
	}
	if c.Positions.TrailDistancePoints == 0 {
		c.Positions.TrailDistancePoints = 150
	}
	if c.Positions.ATRPeriod == 0 {
		c.Positions.ATRPeriod = 14
	}
	if c.Positions.ATRTimeframe == "" {
		c.Positions.ATRTimeframe = "15m"
	}
	if c.Positions.ATRMultiplier == 0 {
		c.Positions.ATRMultiplier = 2.0
	}

	c.Strategies.Breakout.applyDefaults()
	c.Strategies.Fakeout.applyDefaults()
	c.Strategies.HFT.applyDefaults()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = "logs"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30
	}
}

func (b *BreakoutConfig) applyDefaults() {
	if b.RefTimeframe == "" {
		b.RefTimeframe = "15m"
	}
	if b.WorkTimeframe == "" {
		b.WorkTimeframe = "1m"
	}
	if b.RangeTag == "" {
		b.RangeTag = "15M_1M"
	}
	if b.VolumeMultiplier == 0 {
		b.VolumeMultiplier = 1.5
	}
	if b.VolumeLookback == 0 {
		b.VolumeLookback = 20
	}
	if b.RetestToleranceMode == "" {
		b.RetestToleranceMode = "auto"
	}
	if b.RetestTolerancePercent == 0 {
		b.RetestTolerancePercent = 0.05
	}
	if b.RetestTolerancePoints == 0 {
		b.RetestTolerancePoints = 50
	}
	if b.TimeoutMinutes == 0 {
		b.TimeoutMinutes = 120
	}
	if b.SLBufferPoints == 0 {
		b.SLBufferPoints = 20
	}
	if b.RRTarget == 0 {
		b.RRTarget = 2.0
	}
	if b.MaxSpreadPoints == 0 {
		b.MaxSpreadPoints = 30
	}
	if b.Magic == 0 {
		b.Magic = 820001
	}
}

func (f *FakeoutConfig) applyDefaults() {
	if f.RefTimeframe == "" {
		f.RefTimeframe = "15m"
	}
	if f.WorkTimeframe == "" {
		f.WorkTimeframe = "1m"
	}
	if f.RangeTag == "" {
		f.RangeTag = "15M_1M"
	}
	if f.LowVolumeRatio == 0 {
		f.LowVolumeRatio = 0.7
	}
	if f.VolumeLookback == 0 {
		f.VolumeLookback = 20
	}
	if f.TimeoutMinutes == 0 {
		f.TimeoutMinutes = 120
	}
	if f.SLBufferPoints == 0 {
		f.SLBufferPoints = 20
	}
	if f.RRTarget == 0 {
		f.RRTarget = 2.0
	}
	if f.MaxSpreadPoints == 0 {
		f.MaxSpreadPoints = 30
	}
	if f.Magic == 0 {
		f.Magic = 820002
	}
}

func (h *HFTConfig) applyDefaults() {
	if h.MomentumTicks == 0 {
		h.MomentumTicks = 10
	}
	if h.MomentumThresholdPoints == 0 {
		h.MomentumThresholdPoints = 20
	}
	if h.SLPoints == 0 {
		h.SLPoints = 50
	}
	if h.TPPoints == 0 {
		h.TPPoints = 100
	}
	if h.MaxSpreadPoints == 0 {
		h.MaxSpreadPoints = 15
	}
	if h.Magic == 0 {
		h.Magic = 820003
	}
}

// applyEnvOverrides layers a .env file and process environment on top of the
// JSON file. Missing .env is not an error.
func (c *Config) applyEnvOverrides() {
	_ = godotenv.Load()

	if v := os.Getenv("BACKSIM_DATA_DIR"); v != "" {
		c.Backtest.DataDirectory = v
	}
	if v := os.Getenv("BACKSIM_RESULTS_DIR"); v != "" {
		c.Backtest.ResultsDirectory = v
	}
	if v := os.Getenv("BACKSIM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BACKSIM_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Broker.InitialBalance = f
		}
	}
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	switch c.Backtest.Granularity {
	case "tick", "minute":
	default:
		return fmt.Errorf("invalid granularity %q", c.Backtest.Granularity)
	}
	switch c.Backtest.TimingMode {
	case "realtime", "fast", "max_speed":
	default:
		return fmt.Errorf("invalid timing mode %q", c.Backtest.TimingMode)
	}
	switch c.Backtest.SLTPEvaluation {
	case "tick", "bar":
	default:
		return fmt.Errorf("invalid sltp_evaluation %q", c.Backtest.SLTPEvaluation)
	}
	if len(c.Backtest.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	// The minute cursor starts at the backtest start; without one the clock
	// would crawl minute by minute from the zero time
	if c.Backtest.Granularity == "minute" && c.Backtest.Start.IsZero() {
		return fmt.Errorf("minute granularity requires a backtest start time")
	}
	if !c.Backtest.End.IsZero() && !c.Backtest.Start.IsZero() && c.Backtest.End.Before(c.Backtest.Start) {
		return fmt.Errorf("backtest end %v before start %v", c.Backtest.End, c.Backtest.Start)
	}
	return nil
}
