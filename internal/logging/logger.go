// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, level logrus.Level) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(level)
		l.SetFormatter(&logrus.JSONFormatter{})
		global = l
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, logrus.InfoLevel)
	}
	return global
}

// entry builds a logrus entry from an optional context map.
func entry(context ...map[string]interface{}) *logrus.Entry {
	l := Get()
	if len(context) == 0 {
		return logrus.NewEntry(l)
	}
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	return l.WithFields(fields)
}

// Debug logs a debug message.
func Debug(message string, context ...map[string]interface{}) {
	entry(context...).Debug(message)
}

// Info logs an info message.
func Info(message string, context ...map[string]interface{}) {
	entry(context...).Info(message)
}

// Warn logs a warning message.
func Warn(message string, context ...map[string]interface{}) {
	entry(context...).Warn(message)
}

// Error logs an error message.
func Error(message string, err error, context ...map[string]interface{}) {
	e := entry(context...)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// ErrorWithCode logs an error message with an error code field.
func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	e := entry(context...).WithField("code", code)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}
