// Package logging adapts the teacher's capability-interface logger to
// logrus, the structured logger the module's dependency graph already
// carries.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the capability every component logs through. A host may supply
// its own implementation; DefaultLogger below is used when none is given.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug flips debug-level logging on/off, returning the new state.
	ToggleDebug(value bool) bool
}

// DefaultLogger is a logrus.Logger wrapped to satisfy Logger, with a
// per-component "component" field attached to every entry.
type DefaultLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewDefaultLogger builds a text-formatted, stderr-writing logger tagged
// with the given component name.
func NewDefaultLogger(name string) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{
		base:  base,
		entry: base.WithField("component", name),
	}
}

func (l *DefaultLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})    { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                    { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})    { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                   { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})   { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                   { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{})   { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                   { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})   { l.entry.Fatalf(format, v...) }

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

// NoOpLogger discards everything; useful for tests that don't want log
// noise but still need a Logger capability.
type NoOpLogger struct{}

func (NoOpLogger) Info(v ...interface{})                 {}
func (NoOpLogger) Infof(format string, v ...interface{}) {}
func (NoOpLogger) Warn(v ...interface{})                 {}
func (NoOpLogger) Warnf(format string, v ...interface{}) {}
func (NoOpLogger) Error(v ...interface{})                {}
func (NoOpLogger) Errorf(format string, v ...interface{}) {}
func (NoOpLogger) Debug(v ...interface{})                 {}
func (NoOpLogger) Debugf(format string, v ...interface{}) {}
func (NoOpLogger) Fatal(v ...interface{})                 {}
func (NoOpLogger) Fatalf(format string, v ...interface{}) {}
func (NoOpLogger) ToggleDebug(value bool) bool            { return value }
