package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// MarshalText lets levels appear by name in JSON config and output.
func (l Level) MarshalText() ([]byte, error) {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return nil, fmt.Errorf("log: invalid level %d", int(l))
	}
	return []byte(strings.ToLower(levelNames[l])), nil
}

// UnmarshalText accepts level names in any case, plus "warning".
func (l *Level) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	if name == "WARNING" {
		name = "WARN"
	}
	for i, n := range levelNames {
		if n == name {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("log: unknown level %q", string(text))
}

// Fields holds structured key/value pairs attached to a record.
type Fields map[string]interface{}

type contextKey string

// Context keys picked up by WithContext.
const (
	ComponentKey contextKey = "component"
	CycleKey     contextKey = "cycle"
	ThreadKey    contextKey = "thread"
	OperationKey contextKey = "operation"
)

var contextKeys = []contextKey{ComponentKey, CycleKey, ThreadKey, OperationKey}

// Entry is one record as handed to a Formatter.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the structured logging facade used across the module.
// Derived loggers share their parent's level.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	With(fields ...Field) Logger
	// WithContext copies ComponentKey, CycleKey, ThreadKey and
	// OperationKey from ctx.
	WithContext(ctx context.Context) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an Entry.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives every rendered entry. Write errors are dropped.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// Option configures NewLogger.
type Option func(*BaseLogger)

// BaseLogger is the Logger returned by NewLogger and ApplyConfig.
type BaseLogger struct {
	level     *levelVar
	fields    Fields
	formatter Formatter
	outputs   []Output
	sl        *slog.Logger
	exit      func(int)
}

// ContextExtractor returns the well-known keys present in ctx.
func ContextExtractor(ctx context.Context) Fields {
	out := make(Fields, len(contextKeys))
	if ctx == nil {
		return out
	}
	for _, k := range contextKeys {
		if v := ctx.Value(k); v != nil {
			out[string(k)] = v
		}
	}
	return out
}

// NewLogger returns an info-level JSON logger on stderr unless opts say
// otherwise.
func NewLogger(opts ...Option) Logger {
	l := &BaseLogger{
		level:     newLevelVar(InfoLevel),
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.outputs == nil {
		l.outputs = []Output{NewConsoleOutput()}
	}
	l.sl = slog.New(newBridgeHandler(l))
	return l
}

func WithLevel(level Level) Option {
	return func(l *BaseLogger) { l.level.set(level) }
}

func WithFormatter(f Formatter) Option {
	return func(l *BaseLogger) { l.formatter = f }
}

// WithOutput adds an output. Repeat it to fan out.
func WithOutput(out Output) Option {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, out) }
}

// WithExitFunc replaces os.Exit for Fatal.
func WithExitFunc(fn func(int)) Option {
	return func(l *BaseLogger) { l.exit = fn }
}
