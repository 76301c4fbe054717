package settings

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. Dev mode logs human readable lines,
// otherwise JSON. A configured file is rotated with lumberjack.
func NewLogger(s Settings) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		return nil, err
	}
	if s.DevMode {
		level.SetLevel(zapcore.DebugLevel)
	}
	var encoder zapcore.Encoder
	if s.DevMode {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	sink := zapcore.AddSync(os.Stderr)
	if s.Log.File != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(&lumberjack.Logger{
			Filename:   s.Log.File,
			MaxSize:    s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			Compress:   true,
		}))
	}
	return zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller()).
		With(zap.String("role", s.Role)), nil
}
