package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

var global *zap.Logger

// Init initializes a Zap logger with the provided level and format.
// level: debug, info, warn, error, dpanic, panic, fatal
// format: json, console
func Init(level, format string) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.MessageKey = "message"
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encoderCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	global = zap.New(core, zap.AddCaller())
	return global, nil
}

// L returns the global logger. Panics if not initialized.
func L() *zap.Logger {
	if global == nil {
		panic("logger not initialized: call logger.Init first")
	}
	return global
}

// ReplaceGlobal swaps the global logger and returns a func restoring the
// previous one.
func ReplaceGlobal(l *zap.Logger) func() {
	prev := global
	global = l
	return func() { global = prev }
}

// Writer returns a line-buffered writer that logs every line it receives at
// debug level under the given name. Occurrences of any redact string are
// masked before the line is logged. Callers must Close it to flush a trailing
// partial line.
func Writer(name string, redact []string, fields ...zap.Field) *zapio.Writer {
	log := L().Named(name).With(fields...)
	if r := redactPairs(redact); len(r) > 0 {
		log = log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return &redactCore{Core: c, replacer: strings.NewReplacer(r...)}
		}))
	}
	return &zapio.Writer{Log: log, Level: zap.DebugLevel}
}

func redactPairs(secrets []string) []string {
	var pairs []string
	for _, s := range secrets {
		if s != "" {
			pairs = append(pairs, s, "***")
		}
	}
	return pairs
}

// redactCore masks secrets in entry messages.
type redactCore struct {
	zapcore.Core
	replacer *strings.Replacer
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(fields), replacer: c.replacer}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.replacer.Replace(ent.Message)
	return c.Core.Write(ent, fields)
}

// Sync flushes any buffered log entries.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
