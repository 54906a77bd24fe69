// Package logger provides subsystem-scoped structured logging for the queue runner.
package logger

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log is the logging interface used throughout the queue runner. Implementations
// wrap a structured logger (or discard everything, for tests).
type Log interface {
	WithField(name string, value interface{}) Log
	WithFields(fields Fields) Log
	Trace(args ...interface{})
	Tracef(msg string, args ...interface{})
	Debug(args ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicf(msg string, args ...interface{})
}

// Fields is a set of keys/values to attach to a structured log message.
type Fields map[string]interface{}

// Factory produces a Log scoped to the named subsystem (e.g. "dispatcher", "uploader").
type Factory func(subsystem string) Log

type logrusLog struct {
	*logrus.Entry
}

func (l *logrusLog) WithField(name string, value interface{}) Log {
	return &logrusLog{Entry: l.Entry.WithField(name, value)}
}

func (l *logrusLog) WithFields(fields Fields) Log {
	return &logrusLog{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// NewFactory returns a Factory that writes colorized text to stdout on a TTY
// and structured JSON otherwise, at the given level.
func NewFactory(level logrus.Level) Factory {
	return func(subsystem string) Log {
		l := logrus.New()
		l.SetLevel(level)
		l.SetOutput(os.Stdout)
		if isatty.IsTerminal(os.Stdout.Fd()) {
			l.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
				DisableQuote:    true,
			})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		}
		return &logrusLog{Entry: l.WithField("system", subsystem)}
	}
}

// NewFileFactory is like NewFactory but writes to the named file instead of stdout.
func NewFileFactory(level logrus.Level, path string) (Factory, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %q", path)
	}
	return func(subsystem string) Log {
		l := logrus.New()
		l.SetLevel(level)
		l.SetOutput(f)
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		return &logrusLog{Entry: l.WithField("system", subsystem)}
	}, nil
}

// NoOpLog discards everything; used in tests that don't assert on log output.
type NoOpLog struct{}

func NewNoOpLog() *NoOpLog { return &NoOpLog{} }

func NoOpFactory(string) Log { return NewNoOpLog() }

func (l *NoOpLog) WithField(string, interface{}) Log   { return l }
func (l *NoOpLog) WithFields(Fields) Log                { return l }
func (l *NoOpLog) Trace(args ...interface{})            {}
func (l *NoOpLog) Tracef(string, ...interface{})        {}
func (l *NoOpLog) Debug(args ...interface{})            {}
func (l *NoOpLog) Debugf(string, ...interface{})        {}
func (l *NoOpLog) Info(args ...interface{})             {}
func (l *NoOpLog) Infof(string, ...interface{})         {}
func (l *NoOpLog) Warn(args ...interface{})             {}
func (l *NoOpLog) Warnf(string, ...interface{})         {}
func (l *NoOpLog) Error(args ...interface{})            {}
func (l *NoOpLog) Errorf(string, ...interface{})        {}
func (l *NoOpLog) Fatal(args ...interface{})            {}
func (l *NoOpLog) Fatalf(string, ...interface{})        {}
func (l *NoOpLog) Panic(args ...interface{})            {}
func (l *NoOpLog) Panicf(string, ...interface{})        {}
