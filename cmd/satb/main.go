package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientcmd "github.com/rzbill/satb/internal/cmd/client"
	serverrun "github.com/rzbill/satb/internal/cmd/server"
	cfgpkg "github.com/rzbill/satb/internal/config"
	"github.com/rzbill/satb/internal/runtime"
	"github.com/rzbill/satb/internal/satb"
	logpkg "github.com/rzbill/satb/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "satb",
		Short:        "SATB write-barrier runtime CLI",
		Long:         "satb runs a simulated heap with snapshot-at-the-beginning write-barrier queues and inspects a running server.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("SATB_CONFIG"), "JSON config file (defaults, then file, then SATB_* env, then flags)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	rootCmd.AddCommand(newServerCommand(), newSimulateCommand(), newLayoutCommand())
	rootCmd.AddCommand(clientcmd.NewCommands(apiURL)...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// loadConfig layers the config file, environment and persistent flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	return cfg, nil
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the SATB runtime with gRPC and HTTP servers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.Server.HTTPAddr, _ = flags.GetString("http")
			}
			if flags.Changed("grpc") {
				cfg.Server.GRPCAddr, _ = flags.GetString("grpc")
			}
			if flags.Changed("trace") {
				cfg.Trace.Enabled, _ = flags.GetBool("trace")
			}
			if flags.Changed("data-dir") {
				cfg.Trace.DataDir, _ = flags.GetString("data-dir")
			}
			if flags.Changed("fsync") {
				cfg.Trace.Fsync, _ = flags.GetString("fsync")
			}
			every, _ := flags.GetDuration("simulate-every")
			mutators, _ := flags.GetInt("mutators")
			stores, _ := flags.GetInt("stores")
			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				Config:        cfg,
				SimulateEvery: every,
				Sim:           runtime.SimOptions{Mutators: mutators, Stores: stores, Seed: uint64(time.Now().UnixNano())},
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	startCmd.Flags().String("http", "", "HTTP listen address (default from config)")
	startCmd.Flags().String("grpc", "", "gRPC listen address (default from config)")
	startCmd.Flags().Bool("trace", false, "Archive drained buffers in Pebble")
	startCmd.Flags().String("data-dir", "", "Trace archive directory (if not specified, uses OS-specific application data directory)")
	startCmd.Flags().String("fsync", "", "Trace fsync mode: always|interval|never")
	startCmd.Flags().Duration("simulate-every", 0, "Run one simulated marking cycle per interval (0 disables)")
	startCmd.Flags().Int("mutators", 4, "Mutator goroutines per simulated cycle")
	startCmd.Flags().Int("stores", 10000, "Stores per mutator per simulated cycle")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run simulated marking cycles in-process and check the snapshot invariant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("trace") {
				cfg.Trace.Enabled, _ = cmd.Flags().GetBool("trace")
			}
			logger, err := logpkg.ApplyConfig(&cfg.Log)
			if err != nil {
				return err
			}
			restore := logpkg.RedirectStdLog(logger)
			defer restore()

			rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			var opts runtime.SimOptions
			opts.Mutators, _ = cmd.Flags().GetInt("mutators")
			opts.Stores, _ = cmd.Flags().GetInt("stores")
			opts.Seed, _ = cmd.Flags().GetUint64("seed")
			opts.NullEvery, _ = cmd.Flags().GetInt("null-every")
			opts.HousekeepEvery, _ = cmd.Flags().GetInt("housekeep-every")
			cycles, _ := cmd.Flags().GetInt("cycles")
			dump, _ := cmd.Flags().GetBool("dump")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var broken error
			for i := 0; i < cycles; i++ {
				rep, err := rt.Simulate(cmd.Context(), opts)
				if err != nil && !errors.Is(err, runtime.ErrInvariantBroken) {
					return err
				}
				if err != nil {
					broken = err
				}
				if err := enc.Encode(rep); err != nil {
					return err
				}
				opts.Seed++
			}
			if dump {
				rt.Dump(cmd.OutOrStdout(), "after simulation")
			}
			return broken
		},
	}
	cmd.Flags().Int("cycles", 1, "Number of marking cycles")
	cmd.Flags().Int("mutators", 4, "Mutator goroutines")
	cmd.Flags().Int("stores", 10000, "Stores per mutator")
	cmd.Flags().Uint64("seed", 1, "Seed for the first cycle; later cycles increment it")
	cmd.Flags().Int("null-every", 8, "Store a null value roughly once every N stores (0 never)")
	cmd.Flags().Int("housekeep-every", 0, "Filter thread buffers every N stores of mutator 0 (0 never)")
	cmd.Flags().Bool("trace", false, "Archive drained buffers using the configured trace directory")
	cmd.Flags().Bool("dump", false, "Print every queue after the last cycle")
	return cmd
}

func newLayoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the queue field layout barrier code is generated against",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(satb.CurrentLayout())
		},
	}
}

func apiURL() string {
	if v := os.Getenv("SATB_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:7070"
}
