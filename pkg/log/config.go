package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config declares a logger.
type Config struct {
	// Level is one of debug, info, warn, error, fatal. Empty means info.
	Level string `json:"level"`
	// Format is "json" or "text". Empty means text.
	Format string `json:"format"`
	// Outputs lists "stderr", "stdout", "null" or file paths. Empty means
	// stderr.
	Outputs []string `json:"outputs,omitempty"`
	// Redact lists field keys whose values are replaced.
	Redact []string `json:"redact,omitempty"`
	// SampleInitial and SampleThereafter enable per-message sampling when
	// SampleThereafter is positive. Counts reset every second.
	SampleInitial    int  `json:"sampleInitial,omitempty"`
	SampleThereafter int  `json:"sampleThereafter,omitempty"`
	ShowCaller       bool `json:"showCaller,omitempty"`
}

// ParseLevel maps a case-insensitive level name to a Level. Empty means
// info.
func ParseLevel(s string) (Level, error) {
	if strings.TrimSpace(s) == "" {
		return InfoLevel, nil
	}
	var l Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel, err
	}
	return l, nil
}

// ApplyConfig builds a logger from cfg. A nil cfg yields the defaults.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{ShowCaller: cfg.ShowCaller}
	case "json":
		formatter = &JSONFormatter{DisableCaller: !cfg.ShowCaller}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	opts := []Option{WithLevel(level), WithFormatter(formatter)}
	for _, name := range cfg.Outputs {
		out, err := outputFor(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithOutput(out))
	}
	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.Redact).withSampler(cfg.SampleInitial, cfg.SampleThereafter, time.Second)
	l.sl = slog.New(h)
	return l, nil
}

func outputFor(name string) (Output, error) {
	switch strings.ToLower(name) {
	case "", "stderr":
		return NewConsoleOutput(), nil
	case "stdout":
		return NewWriterOutput(os.Stdout), nil
	case "null", "none":
		return NewNullOutput(), nil
	default:
		return NewFileOutput(name)
	}
}
