package asmkit

import (
	"fmt"
	"io"
)

// Logger receives one line per logged event: emitted instructions,
// label binds, directives and comments. A logger is attached to a
// CodeHolder and shared by all attached emitters; it is referenced,
// never owned.
type Logger interface {
	Logf(format string, args ...interface{})
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(format string, args ...interface{})

// Logf implements Logger.Logf.
func (f LoggerFunc) Logf(format string, args ...interface{}) { f(format, args...) }

type writerLogger struct {
	w io.Writer
}

// NewWriterLogger returns a Logger appending one line per event to w.
func NewWriterLogger(w io.Writer) Logger {
	return &writerLogger{w: w}
}

// Logf implements Logger.Logf.
func (l *writerLogger) Logf(format string, args ...interface{}) {
	fmt.Fprintf(l.w, format, args...)
	io.WriteString(l.w, "\n")
}
