package observability

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type Field interface {
	Key() string
	Value() interface{}
}

type stringField struct{ key, val string }

func (f stringField) Key() string        { return f.key }
func (f stringField) Value() interface{} { return f.val }

type intField struct {
	key string
	val int
}

func (f intField) Key() string        { return f.key }
func (f intField) Value() interface{} { return f.val }

type errorField struct {
	key string
	err error
}

func (f errorField) Key() string        { return f.key }
func (f errorField) Value() interface{} { return f.err }

func String(key, value string) Field { return stringField{key, value} }
func Int(key string, value int) Field {
	return intField{key, value}
}
func Err(err error) Field { return errorField{"error", err} }

type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (NopLogger) With(...Field) Logger   { return NopLogger{} }

// writerLogger renders level, message and fields as a single line per entry.
type writerLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	bound  []Field
	debug  bool
	nowFun func() time.Time
}

// NewWriterLogger logs to out. Debug entries are dropped unless debug is set.
func NewWriterLogger(out io.Writer, debug bool) Logger {
	return &writerLogger{mu: &sync.Mutex{}, out: out, debug: debug, nowFun: time.Now}
}

func (l *writerLogger) log(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %-5s %s", l.nowFun().Format("15:04:05"), level, msg)
	for _, f := range l.bound {
		fmt.Fprintf(l.out, " %s=%v", f.Key(), f.Value())
	}
	for _, f := range fields {
		fmt.Fprintf(l.out, " %s=%v", f.Key(), f.Value())
	}
	fmt.Fprintln(l.out)
}

func (l *writerLogger) Debug(msg string, fields ...Field) {
	if l.debug {
		l.log("DEBUG", msg, fields)
	}
}
func (l *writerLogger) Info(msg string, fields ...Field)  { l.log("INFO", msg, fields) }
func (l *writerLogger) Warn(msg string, fields ...Field)  { l.log("WARN", msg, fields) }
func (l *writerLogger) Error(msg string, fields ...Field) { l.log("ERROR", msg, fields) }

func (l *writerLogger) With(fields ...Field) Logger {
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &writerLogger{mu: l.mu, out: l.out, bound: bound, debug: l.debug, nowFun: l.nowFun}
}

// FilteringWriter drops whole lines containing any of the given substrings.
// Useful at a process boundary where a platform component spams stderr.
type FilteringWriter struct {
	dst      io.Writer
	patterns []string
	buf      []byte
}

func NewFilteringWriter(dst io.Writer, patterns ...string) *FilteringWriter {
	return &FilteringWriter{dst: dst, patterns: patterns}
}

func (w *FilteringWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := w.buf[:idx+1]
		if !w.matches(line) {
			if _, err := w.dst.Write(line); err != nil {
				return len(p), err
			}
		}
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line.
func (w *FilteringWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := w.buf
	w.buf = nil
	if w.matches(line) {
		return nil
	}
	_, err := w.dst.Write(line)
	return err
}

func (w *FilteringWriter) matches(line []byte) bool {
	for _, p := range w.patterns {
		if bytes.Contains(line, []byte(p)) {
			return true
		}
	}
	return false
}
