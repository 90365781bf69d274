// Package logger is a thin structured-logging façade over logrus.
//
// Every other package in the daemon logs through here rather than through
// bare fmt/log calls, so log lines can be filtered and reformatted in one
// place and every line carries a "component" field.
package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

var (
	base  = log.New()
	trace = map[string]bool{}
)

// Up initializes the logger from a parsed config: log file path (optional),
// whether to also log to stderr, and the set of components with trace-level
// logging enabled.
func Up(logFilePath string, logToConsole bool, traceComponents []string) (err error) {
	base.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	base.SetLevel(log.DebugLevel)

	var writers []io.Writer

	if logFilePath != "" {
		var f *os.File
		f, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}
	if logToConsole || logFilePath == "" {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 1 {
		base.SetOutput(writers[0])
	} else {
		base.SetOutput(io.MultiWriter(writers...))
	}

	for _, c := range traceComponents {
		trace[c] = true
	}

	return nil
}

// Component returns a logger bound to a single component name, e.g.
// "etree", "journal", "server". Every call site logs through the returned
// entry so the component field is always present.
func Component(name string) *Entry {
	return &Entry{name: name, entry: base.WithField("component", name)}
}

// Entry is a per-component logging handle.
type Entry struct {
	name  string
	entry *log.Entry
}

func (e *Entry) Infof(format string, args ...interface{})  { e.entry.Infof(format, args...) }
func (e *Entry) Warnf(format string, args ...interface{})  { e.entry.Warnf(format, args...) }
func (e *Entry) Errorf(format string, args ...interface{}) { e.entry.Errorf(format, args...) }
func (e *Entry) Fatalf(format string, args ...interface{}) { e.entry.Fatalf(format, args...) }

// Tracef logs only if this component was named in the TraceLevelLogging
// config directive; it is otherwise a no-op to avoid paying formatting cost
// on the hot path (bitmap scans, B-tree descents).
func (e *Entry) Tracef(format string, args ...interface{}) {
	if trace[e.name] {
		e.entry.Debugf(format, args...)
	}
}

// ErrorfWithError logs a formatted message with the wrapped error appended,
// mirroring the teacher's ErrorfWithError(err, format, args...) signature.
func (e *Entry) ErrorfWithError(err error, format string, args ...interface{}) {
	e.entry.WithError(err).Errorf(format, args...)
}

// WarnfWithError is the warn-level analogue of ErrorfWithError, used on the
// "warn but continue" error paths (a failed client read or reply write, a
// usecount decrement that fails on session close).
func (e *Entry) WarnfWithError(err error, format string, args ...interface{}) {
	e.entry.WithError(err).Warnf(format, args...)
}
