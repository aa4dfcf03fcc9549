package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/ggoodman/mcp-toolserver/apiclient"
	"github.com/ggoodman/mcp-toolserver/auth"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-toolserver",
		Short: "Expose tools to AI assistants over JSON-RPC",
		Long: `mcp-toolserver lets an AI assistant discover and call a registry of tools.

It speaks JSON-RPC over one of:
  - stdio (default), for assistants that spawn the server as a subprocess
  - http, a POST endpoint at /sse
  - websocket, one envelope per text frame`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "mcp-toolserver version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newCheckCmd())
	return root
}

// newLogger writes to stderr; stdout belongs to the stdio transport.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func debugFromEnv() bool {
	v, _ := strconv.ParseBool(os.Getenv("MCP_DEBUG"))
	return v
}

// newAPI builds the remote API client and its token manager. Both are nil
// when no base URL is configured.
func newAPI(log *slog.Logger) (*apiclient.Client, *auth.Manager, error) {
	apiCfg, err := apiclient.ConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("api config: %w", err)
	}
	if apiCfg.BaseURL == "" {
		return nil, nil, nil
	}
	client, err := apiclient.New(apiCfg, apiclient.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("auth config: %w", err)
	}
	return client, auth.NewManager(client, authCfg, auth.WithLogger(log)), nil
}
