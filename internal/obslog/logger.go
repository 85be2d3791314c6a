// Package obslog wraps logrus with gatewayd's structured logging
// conventions, grounded on the teacher's infrastructure/logging.Logger.
package obslog

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with the service name attached to every
// entry.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger at level/format ("json" or "text").
func New(service, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// With returns an entry carrying the service name plus extra fields.
func (l *Logger) With(fields logrus.Fields) *logrus.Entry {
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}
