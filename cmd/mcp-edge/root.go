package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-edge",
		Short: "MCP transport edge: SSE and WebSocket sessions in front of a tool engine",
		Long: `mcp-edge accepts Model Context Protocol clients over Server-Sent Events
and WebSockets, routes every session to its transports and answers tool and
resource requests from the built-in engine.

Configuration is read from MCP_EDGE_* environment variables (optionally
seeded from a .env file); flags override the environment.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcp-edge %s (%s)\n", version, goVersion())
			return err
		},
	}
}

func goVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		return bi.GoVersion
	}
	return "unknown"
}
