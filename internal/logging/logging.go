package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Node  string
	Role  string
	JSON  bool
	Level string
	Out   io.Writer
}

// New builds the root entry of a node. Components derive from it with
// Component so every line carries node, role and component.
func New(opts Options) (*logrus.Entry, error) {
	l := logrus.New()
	if opts.Out != nil {
		l.SetOutput(opts.Out)
	} else {
		l.SetOutput(os.Stderr)
	}
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}
	if opts.Level != "" {
		lvl, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		l.SetLevel(lvl)
	}

	fields := logrus.Fields{}
	if opts.Node != "" {
		fields["node"] = opts.Node
	}
	if opts.Role != "" {
		fields["role"] = opts.Role
	}
	return l.WithFields(fields), nil
}

func Component(log *logrus.Entry, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// Discard is a logger for tests and tools that should stay quiet.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
