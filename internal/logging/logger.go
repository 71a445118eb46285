package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the log output format.
type Format int

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = iota
	// FormatJSON outputs logs in JSON format.
	FormatJSON
)

// ParseFormat parses a string into a Format. Unknown strings map to
// FormatText.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...interface{})
	// Info logs an info message with optional key-value pairs.
	Info(msg string, keysAndValues ...interface{})
	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...interface{})
	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...interface{})
	// WithNode returns a new logger that tags every entry with the
	// node ID.
	WithNode(id uint64) Logger
	// WithFields returns a new logger with the given fields attached.
	WithFields(keysAndValues ...interface{}) Logger
}

// Config holds the logger configuration.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string

	// Format selects text or json output.
	Format string

	// Output is "stdout", "stderr", or a file path.
	Output string

	// MaxSizeMB rotates a file output once it grows past this size.
	// Zero disables rotation.
	MaxSizeMB int

	// Keep is the number of rotated files to retain. Zero keeps all.
	Keep int

	// Compress gzips rotated files.
	Compress bool
}

// field is one attached key-value pair. Fields keep their attachment
// order in text output.
type field struct {
	key   string
	value interface{}
}

// logger is the default implementation of Logger. Derived loggers share
// the output writer and its mutex.
type logger struct {
	level  Level
	format Format
	mu     *sync.Mutex
	output io.Writer
	fields []field
}

// New creates a Logger from the given configuration. A file output
// that cannot be opened falls back to stdout.
func New(cfg Config) Logger {
	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		w, err := newFileOutput(cfg)
		if err != nil {
			output = os.Stdout
		} else {
			output = w
		}
	}
	return &logger{
		level:  ParseLevel(cfg.Level),
		format: ParseFormat(cfg.Format),
		mu:     &sync.Mutex{},
		output: output,
	}
}

func newFileOutput(cfg Config) (io.Writer, error) {
	if cfg.MaxSizeMB > 0 {
		return newRotatingWriter(cfg.Output, int64(cfg.MaxSizeMB)<<20, cfg.Keep, cfg.Compress)
	}
	return os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// NewDefault creates a Logger with default settings: info level, text
// format, stdout.
func NewDefault() Logger {
	return New(Config{})
}

// NewNop creates a no-op logger that discards all output.
func NewNop() Logger {
	return &nopLogger{}
}

func (l *logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(LevelDebug, msg, keysAndValues)
}

func (l *logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(LevelInfo, msg, keysAndValues)
}

func (l *logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(LevelWarn, msg, keysAndValues)
}

func (l *logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(LevelError, msg, keysAndValues)
}

// WithNode returns a new logger that tags every entry with the node ID.
func (l *logger) WithNode(id uint64) Logger {
	return l.WithFields("nodeId", id)
}

// WithFields returns a new logger with the given fields attached.
func (l *logger) WithFields(keysAndValues ...interface{}) Logger {
	derived := &logger{
		level:  l.level,
		format: l.format,
		mu:     l.mu,
		output: l.output,
		fields: make([]field, len(l.fields), len(l.fields)+len(keysAndValues)/2),
	}
	copy(derived.fields, l.fields)
	derived.fields = appendPairs(derived.fields, keysAndValues)
	return derived
}

// appendPairs converts a key-value list into fields, skipping pairs
// whose key is not a string and a trailing key without a value.
func appendPairs(fields []field, keysAndValues []interface{}) []field {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, field{key: key, value: keysAndValues[i+1]})
	}
	return fields
}

func (l *logger) log(level Level, msg string, keysAndValues []interface{}) {
	if level < l.level {
		return
	}

	fields := make([]field, len(l.fields), len(l.fields)+len(keysAndValues)/2)
	copy(fields, l.fields)
	fields = appendPairs(fields, keysAndValues)

	ts := time.Now().UTC().Format(time.RFC3339)
	var line string
	if l.format == FormatJSON {
		line = formatJSON(ts, level, msg, fields)
	} else {
		line = formatText(ts, level, msg, fields)
	}

	l.mu.Lock()
	fmt.Fprintln(l.output, line)
	l.mu.Unlock()
}

func formatJSON(ts string, level Level, msg string, fields []field) string {
	entry := make(map[string]interface{}, 3+len(fields))
	entry["ts"] = ts
	entry["level"] = level.String()
	entry["msg"] = msg
	for _, f := range fields {
		// Errors have no JSON representation of their own.
		if err, ok := f.value.(error); ok {
			entry[f.key] = err.Error()
			continue
		}
		entry[f.key] = f.value
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"ts":%q,"level":"error","msg":"failed to marshal log entry"}`, ts)
	}
	return string(data)
}

func formatText(ts string, level Level, msg string, fields []field) string {
	var b strings.Builder
	b.WriteString(ts)
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.value))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}

// nopLogger is a no-op logger that discards all output.
type nopLogger struct{}

func (n *nopLogger) Debug(_ string, _ ...interface{})   {}
func (n *nopLogger) Info(_ string, _ ...interface{})    {}
func (n *nopLogger) Warn(_ string, _ ...interface{})    {}
func (n *nopLogger) Error(_ string, _ ...interface{})   {}
func (n *nopLogger) WithNode(_ uint64) Logger           { return n }
func (n *nopLogger) WithFields(_ ...interface{}) Logger { return n }
