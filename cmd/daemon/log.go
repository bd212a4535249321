package main

import (
	"os"

	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
	"github.com/sirupsen/logrus"
)

// setupLogging configures the global logrus logger, messages go to stderr
// so that they never mix with data written to stdout.
func setupLogging(level logrus.Level) {
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

type LogrusAdapter struct {
	Log *logrus.Entry
}

func newLogrusAdapter(component string) LogrusAdapter {
	return LogrusAdapter{logrus.WithField("component", component)}
}

func (l LogrusAdapter) Tracef(format string, args ...interface{}) {
	l.Log.Tracef(format, args...)
}

func (l LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.Log.Debugf(format, args...)
}

func (l LogrusAdapter) Infof(format string, args ...interface{}) {
	l.Log.Infof(format, args...)
}

func (l LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.Log.Warnf(format, args...)
}

func (l LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.Log.Errorf(format, args...)
}

func (l LogrusAdapter) Trace(args ...interface{}) {
	l.Log.Trace(args...)
}

func (l LogrusAdapter) Debug(args ...interface{}) {
	l.Log.Debug(args...)
}

func (l LogrusAdapter) Info(args ...interface{}) {
	l.Log.Info(args...)
}

func (l LogrusAdapter) Warn(args ...interface{}) {
	l.Log.Warn(args...)
}

func (l LogrusAdapter) Error(args ...interface{}) {
	l.Log.Error(args...)
}

func (l LogrusAdapter) WithField(key string, value interface{}) dzdecrypt.Logger {
	return LogrusAdapter{l.Log.WithField(key, value)}
}

func (l LogrusAdapter) WithError(err error) dzdecrypt.Logger {
	return LogrusAdapter{l.Log.WithError(err)}
}
