package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel describes a log verbosity.
type LogLevel = logrus.Level

var logger = logrus.StandardLogger()

// SetLogger replaces the logger used by the shims below.
func SetLogger(l *logrus.Logger) {
	logger = l
}

// logf logs at level about o. o may be nil, a string, or anything with a
// String method.
func logf(level logrus.Level, o interface{}, format string, args ...interface{}) {
	entry := logrus.NewEntry(logger)
	if o != nil {
		entry = entry.WithField("object", fmt.Sprintf("%v", o))
	}
	entry.Log(level, fmt.Sprintf(format, args...))
}

// Errorf writes error log output for this Object or Fs.
func Errorf(o interface{}, format string, args ...interface{}) {
	logf(logrus.ErrorLevel, o, format, args...)
}

// Logf writes log output for this Object or Fs.
func Logf(o interface{}, format string, args ...interface{}) {
	logf(logrus.WarnLevel, o, format, args...)
}

// Infof writes info about this Object or Fs.
func Infof(o interface{}, format string, args ...interface{}) {
	logf(logrus.InfoLevel, o, format, args...)
}

// Debugf writes debugging output for this Object or Fs.
func Debugf(o interface{}, format string, args ...interface{}) {
	logf(logrus.DebugLevel, o, format, args...)
}
