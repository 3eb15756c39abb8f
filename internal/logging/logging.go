package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers don't need to import logrus directly
type Fields = logrus.Fields

// Logger provides structured logging
type Logger struct {
	entry *logrus.Entry
	out   io.Writer
	quiet bool
}

// NewLogger creates a new logger writing to stderr.
// quiet drops info output, debug enables debug output.
func NewLogger(quiet, debug bool) *Logger {
	level := logrus.InfoLevel
	switch {
	case debug:
		level = logrus.DebugLevel
	case quiet:
		level = logrus.WarnLevel
	}
	l := New(os.Stderr, level)
	l.quiet = quiet
	return l
}

// New creates a logger with an explicit writer and level
func New(out io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return &Logger{entry: logrus.NewEntry(base), out: out}
}

// Discard returns a logger that writes nothing
func Discard() *Logger {
	l := New(io.Discard, logrus.PanicLevel)
	l.quiet = true
	return l
}

// ParseLevel maps a config string onto a logrus level
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(s)
}

// SetLevel changes the level of the underlying logger
func (l *Logger) SetLevel(level logrus.Level) {
	l.entry.Logger.SetLevel(level)
}

// WithFields returns a logger carrying additional structured fields
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields), out: l.out, quiet: l.quiet}
}

// WithError returns a logger carrying err in the "error" field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err), out: l.out, quiet: l.quiet}
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn logs a warning
func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Summary is what PrintSummary reports for one pass
type Summary struct {
	Uploaded      int64
	Skipped       int64
	Errors        int64
	BytesUploaded int64
	Folders       int
	Duration      time.Duration
}

// PrintSummary prints a summary of the sync pass
func (l *Logger) PrintSummary(s Summary) {
	if l.quiet && s.Errors == 0 {
		return
	}

	fmt.Fprintln(l.out)
	fmt.Fprintln(l.out, "=== Summary ===")
	fmt.Fprintf(l.out, "Folders: %d\n", s.Folders)
	fmt.Fprintf(l.out, "Uploaded: %d files (%s)\n", s.Uploaded, formatBytes(s.BytesUploaded))
	fmt.Fprintf(l.out, "Unchanged: %d files\n", s.Skipped)
	if s.Errors > 0 {
		fmt.Fprintf(l.out, "Errors: %d\n", s.Errors)
	}
	fmt.Fprintf(l.out, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
