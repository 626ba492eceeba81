package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logpkg "github.com/rzbill/satb/pkg/log"
)

// Config is the top-level configuration loaded from file and env.
type Config struct {
	// BufferCapacity is the number of entries per SATB buffer.
	BufferCapacity int `json:"bufferCapacity"`
	// ProcessCompletedThreshold wakes background processing once this many
	// buffers are complete. Negative disables it.
	ProcessCompletedThreshold int `json:"processCompletedThreshold"`
	// EnqueueThresholdPercent: a filtered full buffer is published only if
	// more than this share of it survived.
	EnqueueThresholdPercent int `json:"enqueueThresholdPercent"`
	// FilterExpr is an optional CEL discard expression.
	FilterExpr string `json:"filterExpr"`

	Heap   HeapConfig    `json:"heap"`
	Trace  TraceConfig   `json:"trace"`
	Server ServerConfig  `json:"server"`
	Log    logpkg.Config `json:"log"`
}

// HeapConfig sizes the simulated heap.
type HeapConfig struct {
	Base      uint64 `json:"base"`
	SizeBytes uint64 `json:"sizeBytes"`
	// Roots is the number of root slots mutators overwrite.
	Roots int `json:"roots"`
}

// TraceConfig controls the Pebble-backed buffer archive.
type TraceConfig struct {
	Enabled bool `json:"enabled"`
	// DataDir defaults to DefaultDataDir().
	DataDir string `json:"dataDir"`
	// InMemory keeps the archive in memory.
	InMemory bool `json:"inMemory"`
	// Fsync is "always", "interval", "never" or "".
	Fsync string `json:"fsync"`
	// RetainCycles bounds how many cycles are kept. Zero keeps all.
	RetainCycles int `json:"retainCycles"`
}

// ServerConfig holds listen addresses for the diagnostics servers.
type ServerConfig struct {
	HTTPAddr string `json:"httpAddr"`
	GRPCAddr string `json:"grpcAddr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		BufferCapacity:            1024,
		ProcessCompletedThreshold: 20,
		EnqueueThresholdPercent:   60,
		Heap: HeapConfig{
			Base:      0x10000000,
			SizeBytes: 64 << 20,
			Roots:     4096,
		},
		Trace: TraceConfig{
			RetainCycles: 16,
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:7070",
			GRPCAddr: "127.0.0.1:7071",
		},
		Log: logpkg.Config{Level: "info", Format: "text"},
	}
}

// Load reads a JSON file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return Config{}, errors.New("config: yaml is not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.BufferCapacity <= 0:
		return fmt.Errorf("config: bufferCapacity must be positive, got %d", c.BufferCapacity)
	case c.EnqueueThresholdPercent < 0 || c.EnqueueThresholdPercent > 100:
		return fmt.Errorf("config: enqueueThresholdPercent must be in [0, 100], got %d", c.EnqueueThresholdPercent)
	case c.Heap.Base == 0:
		return errors.New("config: heap.base must be non-zero")
	case c.Heap.SizeBytes == 0:
		return errors.New("config: heap.sizeBytes must be positive")
	case c.Heap.Roots < 0:
		return errors.New("config: heap.roots must not be negative")
	}
	return nil
}
