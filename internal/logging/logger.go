package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"backsim/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus with component awareness
type Logger struct {
	*logrus.Logger
	component string
}

// Global logger instance
var globalLogger *Logger

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg config.LoggingConfig) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "file":
		output = createFileWriter(cfg)
	case "both":
		output = io.MultiWriter(os.Stdout, createFileWriter(cfg))
	default:
		output = os.Stdout
	}
	logger.SetOutput(output)

	return &Logger{Logger: logger}
}

// createFileWriter creates a rotating file writer
func createFileWriter(cfg config.LoggingConfig) io.Writer {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		fmt.Printf("Warning: Failed to create log directory: %v\n", err)
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, "backtest.log"),
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}
}

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg config.LoggingConfig) {
	globalLogger = NewLogger(cfg)
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(config.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		})
	}
	return globalLogger
}

// NewComponentLogger creates a logger for a specific component
func NewComponentLogger(component string) *Logger {
	base := GetGlobalLogger()
	return &Logger{
		Logger:    base.Logger,
		component: component,
	}
}

func (l *Logger) entry() *logrus.Entry {
	if l.component != "" {
		return l.Logger.WithField("component", l.component)
	}
	return logrus.NewEntry(l.Logger)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry().Debugf(format, args...)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry().Infof(format, args...)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry().Warnf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry().Errorf(format, args...)
}

// WithFields adds fields to the logger entry
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// Domain-specific logging helpers

// LogTrade logs a position open
func (l *Logger) LogTrade(symbol string, side string, volume, price, sl, tp float64, comment string) {
	l.entry().WithFields(logrus.Fields{
		"event":   "trade_open",
		"symbol":  symbol,
		"side":    side,
		"volume":  volume,
		"price":   price,
		"sl":      sl,
		"tp":      tp,
		"comment": comment,
	}).Info("Position opened")
}

// LogPositionClosed logs a position close
func (l *Logger) LogPositionClosed(ticket int64, symbol string, profit float64, reason string) {
	l.entry().WithFields(logrus.Fields{
		"event":  "trade_close",
		"ticket": ticket,
		"symbol": symbol,
		"profit": profit,
		"reason": reason,
	}).Info("Position closed")
}

// LogBreakout logs a breakout detection event
func (l *Logger) LogBreakout(symbol string, direction string, price, refHigh, refLow float64) {
	l.entry().WithFields(logrus.Fields{
		"event":     "breakout",
		"symbol":    symbol,
		"direction": direction,
		"price":     price,
		"ref_high":  refHigh,
		"ref_low":   refLow,
	}).Info("Breakout detected")
}

// LogRisk logs a risk engine decision
func (l *Logger) LogRisk(symbol string, lots, riskPercent float64, reason string) {
	l.entry().WithFields(logrus.Fields{
		"event":        "risk_sizing",
		"symbol":       symbol,
		"lots":         lots,
		"risk_percent": riskPercent,
		"reason":       reason,
	}).Debug("Position sized")
}

// LogBarrier logs a barrier lifecycle event
func (l *Logger) LogBarrier(event string, participant string, generation uint64, total int) {
	l.entry().WithFields(logrus.Fields{
		"event":       "barrier_" + event,
		"participant": participant,
		"generation":  generation,
		"total":       total,
	}).Debug("Barrier event")
}
