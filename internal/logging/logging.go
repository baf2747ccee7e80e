// Package logging builds the process logger and a rate-limited wrapper for
// conditions that can fire on every request.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// New builds a production (JSON) or development (console) logger at level.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

// Sometimes logs at most once per interval; everything in between is dropped.
type Sometimes struct {
	log *zap.Logger
	s   rate.Sometimes
}

func NewSometimes(log *zap.Logger, interval time.Duration) *Sometimes {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sometimes{log: log, s: rate.Sometimes{Interval: interval}}
}

func (l *Sometimes) Warn(msg string, fields ...zap.Field) {
	l.s.Do(func() { l.log.Warn(msg, fields...) })
}

func (l *Sometimes) Info(msg string, fields ...zap.Field) {
	l.s.Do(func() { l.log.Info(msg, fields...) })
}
