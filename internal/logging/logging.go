package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Cfg struct {
	Level string
	JSON  bool
}

// New builds the process logger. The returned level can be changed at
// runtime with SetLevel, e.g. on SIGHUP.
func New(c Cfg) (*zap.Logger, zap.AtomicLevel) {
	cfg := zap.NewProductionConfig()
	if !c.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if c.Level != "" {
		_ = cfg.Level.UnmarshalText([]byte(c.Level))
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop(), cfg.Level
	}
	return l, cfg.Level
}

// SetLevel parses text and applies it to lvl. Unknown names leave lvl as is.
func SetLevel(lvl zap.AtomicLevel, text string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(text)); err != nil {
		return err
	}
	lvl.SetLevel(l)
	return nil
}
