package ksession

import "go.uber.org/zap"

// LogLevel mirrors the teacher's own LogLevel enum used throughout
// broker.go's cfg.logger.Log(LogLevelDebug, "...", k, v, ...) calls.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the structured logging seam every component is given at
// construction, rather than reaching for a package-global logger.
// NopLogger silently discards everything and is the default when no
// Logger is configured.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Level() LogLevel             { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...any) {}

// NopLogger is the default Logger used when Config.Logger is nil.
var NopLogger Logger = nopLogger{}

// zapLogger adapts a *zap.Logger to the Logger interface, grounded on
// adred-codev-ws_poc/go-server-3/internal/logging's zap.Config build.
type zapLogger struct {
	z     *zap.SugaredLogger
	level LogLevel
}

// NewZapLogger wraps z at the given level. Messages above level are
// dropped before they reach zap, matching the teacher's
// "if logger.Level() >= LogLevelDebug" gating in broker.go so hot paths
// don't pay for formatting args that will never be logged.
func NewZapLogger(z *zap.Logger, level LogLevel) Logger {
	return &zapLogger{z: z.Sugar(), level: level}
}

func (l *zapLogger) Level() LogLevel { return l.level }

func (l *zapLogger) Log(level LogLevel, msg string, keyvals ...any) {
	if level > l.level {
		return
	}
	switch level {
	case LogLevelError:
		l.z.Errorw(msg, keyvals...)
	case LogLevelWarn:
		l.z.Warnw(msg, keyvals...)
	case LogLevelInfo:
		l.z.Infow(msg, keyvals...)
	case LogLevelDebug:
		l.z.Debugw(msg, keyvals...)
	}
}
