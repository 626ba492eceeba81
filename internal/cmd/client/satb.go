package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newGetCommand(use, short, path string, baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := doRequest(cmd.Context(), http.MethodGet, joinURL(baseURL(), path), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newStateCommand(baseURL BaseURLFunc) *cobra.Command {
	return newGetCommand("state", "Show queue set, heap, filter and trace state", "/v1/satb/state", baseURL)
}

func newDumpCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every completed buffer and thread queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, _ := cmd.Flags().GetString("msg")
			u := joinURL(baseURL(), "/v1/satb/dump")
			if msg != "" {
				u += "?msg=" + url.QueryEscape(msg)
			}
			data, err := doRequest(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().String("msg", "", "Header printed above the dump")
	return cmd
}

func newFilterCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter thread buffers, optionally replacing the discard expression",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req any
			if cmd.Flags().Changed("expr") {
				expr, _ := cmd.Flags().GetString("expr")
				req = map[string]string{"expr": expr}
			}
			data, err := doRequest(cmd.Context(), http.MethodPost, joinURL(baseURL(), "/v1/satb/filter"), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().String("expr", "", "CEL expression over addr, offset, object, in_heap and marked; empty clears it")
	return cmd
}

func newCyclesCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "List archived marking cycles, or one cycle's buffers with --id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cycle, _ := cmd.Flags().GetString("id")
			path := "/v1/satb/cycles"
			if cycle != "" {
				path += "/" + url.PathEscape(cycle)
			}
			data, err := doRequest(cmd.Context(), http.MethodGet, joinURL(baseURL(), path), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().String("id", "", "Cycle ID (32 hex digits)")
	return cmd
}

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := dialGRPC()
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", res.GetStatus())
			if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("not serving")
			}
			return nil
		},
	}
	cmd.Flags().String("service", "", "Service name; empty checks the whole server")
	cmd.Flags().Duration("timeout", 2*time.Second, "RPC timeout")
	return cmd
}
