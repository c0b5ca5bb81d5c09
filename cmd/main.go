package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"backsim/internal/candles"
	"backsim/internal/config"
	"backsim/internal/engine"
	"backsim/internal/logging"
	"backsim/internal/strategy"
	"backsim/internal/timeline"
	"backsim/internal/types"
	"backsim/pkg/broker"

	"github.com/sirupsen/logrus"
)

const (
	AppName           = "Backsim"
	AppVersion        = "1.0.0"
	DefaultConfigPath = "./config.json"
)

var (
	configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
	version    = flag.Bool("version", false, "Show version information")
	help       = flag.Bool("help", false, "Show help information")
)

// candleTimeframes are probed in the candle cache directory per symbol
var candleTimeframes = []types.Timeframe{
	types.Timeframe1m,
	types.Timeframe5m,
	types.Timeframe15m,
	types.Timeframe1h,
	types.Timeframe4h,
}

func init() {
	flag.Usage = printUsage
	runtime.GOMAXPROCS(runtime.NumCPU())
}

func main() {
	flag.Parse()

	if *version {
		printVersion()
		os.Exit(0)
	}
	if *help {
		printUsage()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Backtest failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *debugMode {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}

	logging.InitGlobalLogger(cfg.Logging)
	logger := logging.NewComponentLogger("main")
	logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": cfg.App.Environment,
		"config_path": *configPath,
		"symbols":     cfg.Backtest.Symbols,
		"granularity": cfg.Backtest.Granularity,
	}).Info("Starting backtest")

	ctrl, sim, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	setupSignalHandling(ctrl, logger)

	started := time.Now()
	results, err := ctrl.Run()
	if err != nil {
		return err
	}
	delivered, total := sim.Progress()
	logger.WithFields(logrus.Fields{
		"elapsed":       time.Since(started).Round(time.Millisecond).String(),
		"ticks":         delivered,
		"ticks_total":   total,
		"trades":        results.TotalTrades,
		"final_balance": results.FinalBalance,
		"final_equity":  results.FinalEquity,
		"profit_pct":    fmt.Sprintf("%.2f", results.ProfitPercent),
	}).Info("Backtest completed")

	path, err := results.Save(cfg.Backtest.ResultsDirectory)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	logger.Infof("Results written to %s", path)
	return nil
}

// buildEngine wires the timeline, candle store, broker, strategies and
// controller from configuration
func buildEngine(cfg *config.Config) (*engine.Controller, *broker.Sim, error) {
	dataStart := cfg.Backtest.Start.AddDate(0, 0, -cfg.Backtest.BufferDays)
	sources, err := timeline.DiscoverSources(cfg.Backtest.DataDirectory, cfg.Backtest.Symbols, dataStart, cfg.Backtest.End)
	if err != nil {
		return nil, nil, fmt.Errorf("discover tick sources: %w", err)
	}
	tl, err := timeline.New(timeline.Config{
		Sources:   sources,
		Start:     dataStart,
		End:       cfg.Backtest.End,
		ChunkSize: cfg.Backtest.ChunkSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open tick timeline: %w", err)
	}

	store := candles.NewStore()
	if err := seedCandles(store, cfg); err != nil {
		return nil, nil, err
	}

	sim, err := broker.NewSim(broker.SimConfig{
		InitialBalance: cfg.Broker.InitialBalance,
		Currency:       cfg.Broker.Currency,
		SlippagePoints: cfg.Broker.SlippagePoints,
		Leverage:       cfg.Risk.Leverage,
		SLTPEvaluation: cfg.Backtest.SLTPEvaluation,
		Granularity:    cfg.Backtest.Granularity,
		Start:          cfg.Backtest.Start,
		End:            cfg.Backtest.End,
		Symbols:        cfg.Broker.Symbols,
		JournalPath:    cfg.Broker.JournalPath,
	}, tl, store)
	if err != nil {
		return nil, nil, fmt.Errorf("create broker: %w", err)
	}

	risk := strategy.NewRiskManager(cfg.Risk, sim)
	pm := strategy.NewPositionManager(cfg.Positions, sim)
	strategies := buildStrategies(cfg, sim, risk)

	return engine.New(cfg, sim, pm, strategies), sim, nil
}

// seedCandles loads any per-symbol candle caches present in the data
// directory. Missing files are fine; the minute rollup covers symbols
// without a cache.
func seedCandles(store *candles.Store, cfg *config.Config) error {
	dir := filepath.Join(cfg.Backtest.DataDirectory, "candles")
	for _, sym := range cfg.Backtest.Symbols {
		for _, tf := range candleTimeframes {
			path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", sym, tf))
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := store.LoadCSV(sym, tf, path); err != nil {
				return fmt.Errorf("seed candles: %w", err)
			}
		}
	}
	return nil
}

func buildStrategies(cfg *config.Config, sim *broker.Sim, risk *strategy.RiskManager) []strategy.Strategy {
	var out []strategy.Strategy
	for _, sym := range cfg.Backtest.Symbols {
		if cfg.Strategies.Breakout.Enabled {
			out = append(out, strategy.NewBreakout(sym, cfg.Strategies.Breakout, sim, risk))
		}
		if cfg.Strategies.Fakeout.Enabled {
			out = append(out, strategy.NewFakeout(sym, cfg.Strategies.Fakeout, sim, risk))
		}
		if cfg.Strategies.HFT.Enabled {
			out = append(out, strategy.NewHFT(sym, cfg.Strategies.HFT, sim, risk))
		}
	}
	return out
}

// setupSignalHandling stops the run cleanly on SIGINT/SIGTERM; a
// user-initiated stop still exits zero with partial results
func setupSignalHandling(ctrl *engine.Controller, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Signal received, stopping backtest")
		ctrl.Stop()
	}()
}

func printUsage() {
	fmt.Printf(`%s %s - deterministic multi-symbol backtesting engine

Usage: %s [options]

Options:
`, AppName, AppVersion, os.Args[0])
	flag.PrintDefaults()
	fmt.Printf(`
Examples:
  %s                          # Run with ./config.json
  %s -config backtest.json    # Run with a custom config
  %s -debug                   # Verbose logging

Environment Variables:
  BACKSIM_DATA_DIR           Override the tick data directory
  BACKSIM_RESULTS_DIR        Override the results directory
  BACKSIM_LOG_LEVEL          Override the log level
  BACKSIM_INITIAL_BALANCE    Override the starting balance
`, os.Args[0], os.Args[0], os.Args[0])
}

func printVersion() {
	fmt.Printf("%s %s (%s, %s/%s)\n", AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
