package obslog

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// logrusHandler adapts slog's Handler interface onto a logrus.Logger so
// the handful of core packages that take a *slog.Logger (core/rules)
// still end up writing through the same logrus backend and formatter as
// the rest of gatewayd, instead of a second, differently-formatted
// stdlib logger.
type logrusHandler struct {
	logger *logrus.Logger
	attrs  []slog.Attr
}

// SlogLogger returns a *slog.Logger backed by l's logrus.Logger.
func (l *Logger) SlogLogger() *slog.Logger {
	return slog.New(&logrusHandler{logger: l.Logger})
}

func (h *logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.IsLevelEnabled(slogToLogrusLevel(level))
}

func (h *logrusHandler) Handle(_ context.Context, rec slog.Record) error {
	fields := logrus.Fields{}
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.logger.WithFields(fields).Log(slogToLogrusLevel(rec.Level), rec.Message)
	return nil
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &logrusHandler{logger: h.logger, attrs: make([]slog.Attr, 0, len(h.attrs)+len(attrs))}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *logrusHandler) WithGroup(_ string) slog.Handler {
	return h
}

func slogToLogrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
