package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// The file sink is capped at 1 MiB with one rotated backup: the target
// deployment logs to router tmpfs, which must never fill.
const (
	logFileMaxSizeMB = 1
	logFileBackups   = 1
)

// NewLogger builds a structured zap logger with the provided level string.
// When logFile is non-empty, output is duplicated there behind size-capped
// rotation.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	lower := strings.ToLower(level)
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = "msg"
	enc := zapcore.NewJSONEncoder(encCfg)

	sink := zapcore.AddSync(os.Stdout)
	if logFile != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileBackups,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotated)
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(zapLevel))
	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(os.Stderr))), nil
}
