package fsm

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Messages from raft and its bolt store that carry no information for an
// operator.
var suppressedMessages = []string{
	"tx closed",
}

// ZapRaftLogger is an adapter that allows a zap.Logger to be used
// as the logger for the HashiCorp Raft library.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	// level allows for dynamic control of the log level.
	level zap.AtomicLevel
}

var _ hclog.Logger = (*ZapRaftLogger)(nil)

// NewZapRaftLogger creates a new adapter. Its initial level follows the
// levels enabled on zapLogger.
func NewZapRaftLogger(zapLogger *zap.Logger) *ZapRaftLogger {
	initialLevel := zap.InfoLevel
	if zapLogger.Core().Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}
	return &ZapRaftLogger{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initialLevel),
	}
}

func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	case hclog.Off:
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

// Trace maps to zap's Debug; zap has no finer level.
func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Info(msg string, args ...interface{}) {
	z.log(zap.InfoLevel, msg, args...)
}

func (z *ZapRaftLogger) Warn(msg string, args ...interface{}) {
	z.log(zap.WarnLevel, msg, args...)
}

func (z *ZapRaftLogger) Error(msg string, args ...interface{}) {
	z.log(zap.ErrorLevel, msg, args...)
}

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	for _, suppressed := range suppressedMessages {
		if strings.Contains(msg, suppressed) {
			return
		}
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToZapFields(args...)...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	return &ZapRaftLogger{
		logger: z.logger.With(argsToZapFields(args...)...),
		name:   z.name,
		level:  z.level, // Share the same atomic level
	}
}

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	newName := name
	if z.name != "" {
		newName = z.name + "." + name
	}
	return &ZapRaftLogger{
		logger: z.logger.Named(name),
		name:   newName,
		level:  z.level,
	}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{
		logger: z.logger.Named(name),
		name:   name,
		level:  z.level,
	}
}

// GetLevel returns the current logging level.
func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

// SetLevel changes the logging level of this logger and every logger
// derived from it.
func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	var zapLevel zapcore.Level
	switch level {
	case hclog.Trace, hclog.Debug:
		zapLevel = zap.DebugLevel
	case hclog.Warn:
		zapLevel = zap.WarnLevel
	case hclog.Error:
		zapLevel = zap.ErrorLevel
	case hclog.Off:
		zapLevel = zap.FatalLevel
	default:
		zapLevel = zap.InfoLevel
	}
	z.level.SetLevel(zapLevel)
}

// ImpliedArgs is not tracked; fields added by With live inside the zap logger.
func (z *ZapRaftLogger) ImpliedArgs() []interface{} {
	return nil
}

func (z *ZapRaftLogger) Name() string {
	return z.name
}

func (z *ZapRaftLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *ZapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return z.StandardLogger(opts).Writer()
}

func argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
