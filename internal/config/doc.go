// Package config loads runtime configuration: built-in defaults, an
// optional JSON file, then SATB_* environment variables.
//
//	cfg, err := config.Load("/etc/satb.json") // Default() when path is ""
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
package config
