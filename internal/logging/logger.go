package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures a logger.
type Options struct {
	Level  string    // logrus level name, defaults to "info"
	Format string    // "text" or "json"
	Output io.Writer // defaults to stdout
}

var (
	initOnce sync.Once
	shared   *logrus.Logger
)

// New builds a logger whose output never carries wallet secrets.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	var f logrus.Formatter
	if strings.EqualFold(opts.Format, "json") {
		f = &logrus.JSONFormatter{}
	} else {
		f = &logrus.TextFormatter{FullTimestamp: true}
	}
	l.SetFormatter(&RedactingFormatter{Next: f})
	return l
}

// Init sets up the process-wide logger once. Later calls return the logger
// built by the first call and ignore their options.
func Init(opts Options) *logrus.Logger {
	initOnce.Do(func() {
		shared = New(opts)
	})
	return shared
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Component tags l with a component name, the way each subsystem gets its own
// prefixed logger. A nil logger yields a discarding entry.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	if l == nil {
		l = Discard()
	}
	return l.WithField("component", name)
}
