package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SATB_* environment variables onto cfg. Unparseable
// values are ignored.
func FromEnv(cfg *Config) {
	envInt("SATB_BUFFER_CAPACITY", &cfg.BufferCapacity)
	envInt("SATB_PROCESS_COMPLETED_THRESHOLD", &cfg.ProcessCompletedThreshold)
	envInt("SATB_ENQUEUE_THRESHOLD_PERCENT", &cfg.EnqueueThresholdPercent)
	if v, ok := os.LookupEnv("SATB_FILTER_EXPR"); ok {
		cfg.FilterExpr = v
	}
	envUint("SATB_HEAP_BASE", &cfg.Heap.Base)
	envUint("SATB_HEAP_SIZE_BYTES", &cfg.Heap.SizeBytes)
	envInt("SATB_HEAP_ROOTS", &cfg.Heap.Roots)
	envBool("SATB_TRACE_ENABLED", &cfg.Trace.Enabled)
	envBool("SATB_TRACE_IN_MEMORY", &cfg.Trace.InMemory)
	if v := os.Getenv("SATB_TRACE_DATA_DIR"); v != "" {
		cfg.Trace.DataDir = v
	}
	if v := os.Getenv("SATB_TRACE_FSYNC"); v != "" {
		cfg.Trace.Fsync = v
	}
	envInt("SATB_TRACE_RETAIN_CYCLES", &cfg.Trace.RetainCycles)
	if v := os.Getenv("SATB_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("SATB_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := os.Getenv("SATB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SATB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envUint accepts decimal or 0x-prefixed hex.
func envUint(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
