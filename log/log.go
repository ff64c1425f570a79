package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger

func init() {
	// A usable logger must exist before InitLogger runs, otherwise early
	// call sites in tests dereference nil.
	Logger = zap.NewNop()
}

func InitLogger() error {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// InitDevLogger builds a development logger with debug output enabled.
func InitDevLogger() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}
