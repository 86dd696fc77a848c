// Package logging provides the leveled logger used across this module so
// that call sites depend on a small interface instead of importing logrus
// directly.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface consumed by the kademlia package and its
// supporting tooling.
type Logger interface {
	Tracef(format string, args ...interface{})
	Trace(args ...interface{})
	Debugf(format string, args ...interface{})
	Debug(args ...interface{})
	Infof(format string, args ...interface{})
	Info(args ...interface{})
	Warningf(format string, args ...interface{})
	Warning(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})

	// WithField returns a Logger that decorates every subsequent entry with
	// the given key/value, e.g. the peer address a bucket operation concerns.
	WithField(key string, value interface{}) Logger
}

type logger struct {
	*logrus.Entry
}

// New constructs a Logger that writes to w at the given level.
func New(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	return &logger{Entry: logrus.NewEntry(l)}
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{Entry: l.Entry.WithField(key, value)}
}
