package tkv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger. Badger's own
// WithLoggingLevel replaces the logger, so the level is enforced here.
type badgerLoggerAdapter struct {
	slogger *slog.Logger
	level   slog.Level
}

func (b *badgerLoggerAdapter) log(level slog.Level, format string, args ...interface{}) {
	if level < b.level {
		return
	}
	b.slogger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.log(slog.LevelError, format, args...)
}

func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.log(slog.LevelWarn, format, args...)
}

func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.log(slog.LevelInfo, format, args...)
}

func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.log(slog.LevelDebug, format, args...)
}

func newLogger(slogger *slog.Logger, level slog.Level) badger.Logger {
	return &badgerLoggerAdapter{slogger: slogger, level: level}
}
