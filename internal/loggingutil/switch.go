package loggingutil

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// LevelSwitch filters a logger by a minimum level that can change while the
// process runs. Loggers derived from it through With or WithSubsystem follow
// later changes.
type LevelSwitch struct {
	level atomic.Int64
}

// NewLevelSwitch wraps base. base is opened to trace level so that the switch
// alone decides what is written.
func NewLevelSwitch(base pslog.Logger, level pslog.Level) (*LevelSwitch, pslog.Logger) {
	sw := &LevelSwitch{}
	sw.Set(level)
	return sw, &switchLogger{sw: sw, base: EnsureLogger(base).LogLevel(pslog.TraceLevel)}
}

// Set changes the minimum level.
func (s *LevelSwitch) Set(level pslog.Level) {
	s.level.Store(int64(level))
}

// Level reports the minimum level.
func (s *LevelSwitch) Level() pslog.Level {
	return pslog.Level(s.level.Load())
}

func (s *LevelSwitch) enabled(level pslog.Level) bool {
	return int64(level) >= s.level.Load()
}

type switchLogger struct {
	sw   *LevelSwitch
	base pslog.Logger
}

func (l *switchLogger) Trace(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.TraceLevel) {
		l.base.Trace(msg, keyvals...)
	}
}

func (l *switchLogger) Debug(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.DebugLevel) {
		l.base.Debug(msg, keyvals...)
	}
}

func (l *switchLogger) Info(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.InfoLevel) {
		l.base.Info(msg, keyvals...)
	}
}

func (l *switchLogger) Warn(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.WarnLevel) {
		l.base.Warn(msg, keyvals...)
	}
}

func (l *switchLogger) Error(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.ErrorLevel) {
		l.base.Error(msg, keyvals...)
	}
}

// Fatal and Panic bypass the switch.
func (l *switchLogger) Fatal(msg string, keyvals ...any) {
	l.base.Fatal(msg, keyvals...)
}

func (l *switchLogger) Panic(msg string, keyvals ...any) {
	l.base.Panic(msg, keyvals...)
}

func (l *switchLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	if l.sw.enabled(level) {
		l.base.Log(level, msg, keyvals...)
	}
}

func (l *switchLogger) With(keyvals ...any) pslog.Logger {
	return &switchLogger{sw: l.sw, base: l.base.With(keyvals...)}
}

func (l *switchLogger) WithLogLevel() pslog.Logger {
	return &switchLogger{sw: l.sw, base: l.base.WithLogLevel()}
}

// LogLevel moves the shared switch; every logger derived from it follows.
func (l *switchLogger) LogLevel(level pslog.Level) pslog.Logger {
	l.sw.Set(level)
	return l
}

func (l *switchLogger) LogLevelFromEnv(key string) pslog.Logger {
	return &switchLogger{sw: l.sw, base: l.base.LogLevelFromEnv(key)}
}
