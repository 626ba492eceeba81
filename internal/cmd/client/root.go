package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the SATB client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "satb",
		Short: "SATB client commands",
	}
	root.AddCommand(NewCommands(baseURL)...)
	return root
}

// NewCommands returns the client subcommands so a binary can mount them on
// its own root.
func NewCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		newStateCommand(baseURL),
		newDumpCommand(baseURL),
		newFilterCommand(baseURL),
		newCyclesCommand(baseURL),
		newHealthCommand(),
	}
}
