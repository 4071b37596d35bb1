// Package logger wraps logrus with the structured fields and caller
// metadata the rest of the ingestion core expects on every log line.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields and is converted to it inside this package, so
// callers never import logrus directly.
type Fields map[string]interface{}

// Log wraps logrus.Logger with component-scoped helpers.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry with the same component-scoped helpers.
type Entry struct {
	*logrus.Entry
}

var global *Log

func init() {
	global = New()
}

// New builds a logger with sane defaults: JSON output to stdout, caller
// reporting on, level taken from LOG_LEVEL (default info).
func New() *Log {
	l := logrus.New()
	l.SetReportCaller(true)

	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:  time.RFC3339Nano,
		CallerPrettyfier: prettifyCaller,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &Log{Logger: l}
}

func prettifyCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// Get returns the process-wide logger. Components should still prefer to
// receive a *Log through their constructor; Get exists for call sites that
// run before the dependency graph is wired (flag parsing, config loading).
func Get() *Log {
	return global
}

// Configure applies level/format/output settings parsed from the
// top-level logging config block.
func (l *Log) Configure(level, format, output string, maxAgeDays int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		lvl, err := logrus.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		l.SetLevel(lvl)
	}

	switch strings.ToLower(format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettifyCaller,
		})
	case "json", "":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: prettifyCaller,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	switch output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAgeDays > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAgeDays,
				MaxSize:  100,
				Compress: true,
			})
		} else {
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %q: %w", output, err)
			}
			l.SetOutput(f)
		}
	}
	return nil
}

// SetOutput overrides the writer, mainly used by tests.
func (l *Log) SetOutput(w io.Writer) { l.Logger.SetOutput(w) }

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithField("error", err.Error())}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithField("error", err.Error())}
}
