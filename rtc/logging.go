package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory bridges pion's internal logging onto slog. pion's trace
// level maps to debug; operators filter with the handler's level.
type slogLoggerFactory struct {
	base *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{l: f.base.With("scope", scope)}
}

type slogLeveledLogger struct {
	l *slog.Logger
}

func (s *slogLeveledLogger) Trace(msg string) { s.l.Debug(msg) }
func (s *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s *slogLeveledLogger) Debug(msg string) { s.l.Debug(msg) }
func (s *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s *slogLeveledLogger) Info(msg string) { s.l.Info(msg) }
func (s *slogLeveledLogger) Infof(format string, args ...interface{}) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (s *slogLeveledLogger) Warn(msg string) { s.l.Warn(msg) }
func (s *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s *slogLeveledLogger) Error(msg string) { s.l.Error(msg) }
func (s *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	s.l.Error(fmt.Sprintf(format, args...))
}
