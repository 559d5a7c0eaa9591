package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI colors for the console level column. Kept deliberately muted so the
// daemon's heartbeat chatter stays readable next to real warnings.
const (
	colorReset  = "\x1b[0m"
	colorDim    = "\x1b[2m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorBlue   = "\x1b[34m"
)

// newMinimalEncoder builds the human console encoder: short clock time,
// compact colored level, no caller/stacktrace noise.
func newMinimalEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = minimalLevelEncoder
	cfg.ConsoleSeparator = "  "
	cfg.CallerKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey
	return zapcore.NewConsoleEncoder(cfg)
}

func minimalLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString(colorDim + "dbg" + colorReset)
	case zapcore.InfoLevel:
		enc.AppendString(colorBlue + "inf" + colorReset)
	case zapcore.WarnLevel:
		enc.AppendString(colorYellow + "wrn" + colorReset)
	case zapcore.ErrorLevel:
		enc.AppendString(colorRed + "err" + colorReset)
	default:
		enc.AppendString(level.String())
	}
}
