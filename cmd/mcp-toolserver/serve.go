package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/server"
	"github.com/ggoodman/mcp-toolserver/sessions"
	"github.com/ggoodman/mcp-toolserver/tools/builtin"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/ggoodman/mcp-toolserver/transport/factory"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		transportName string
		httpPort      int
		wsPort        int
		debug         bool
		name          string
		authEnabled   bool
		sessionID     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool server",
		Long: `Start the tool server on the selected transport.

Transport settings not given as flags are read from MCP_HTTP_* and MCP_WS_*.
The transport itself defaults to MCP_TRANSPORT, then stdio.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			debug = debug || debugFromEnv()
			log := newLogger(debug)

			tcfg, err := factory.ConfigFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("transport") {
				if tcfg.Type, err = transport.ParseType(transportName); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("http-port") {
				tcfg.HTTP.Port = httpPort
			}
			if cmd.Flags().Changed("ws-port") {
				tcfg.WebSocket.Port = wsPort
			}
			tcfg.HTTP.Debug = tcfg.HTTP.Debug || debug

			sessCfg, err := sessions.ConfigFromEnv()
			if err != nil {
				return fmt.Errorf("session config: %w", err)
			}

			client, am, err := newAPI(log)
			if err != nil {
				return err
			}
			if authEnabled && am == nil {
				return fmt.Errorf("--auth requires MCP_API_BASE_URL")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			mgr := server.NewManager(server.Deps{
				Auth:    am,
				Metrics: metrics.New(),
				Logger:  log,
			})
			defer func() {
				if err := mgr.Cleanup(); err != nil {
					log.Error("serve.cleanup.err", slog.String("err", err.Error()))
				}
			}()

			srv, err := mgr.Start(ctx, server.Config{
				Name:        name,
				Version:     version,
				AuthEnabled: authEnabled,
				SessionID:   sessionID,
				Transport:   &tcfg,
				Tools:       builtin.All(client, am),
				Sessions:    sessCfg,
			}, "", "")
			if err != nil {
				return err
			}

			st := srv.Status(ctx)
			log.Info("serve.ready",
				slog.String("transport", string(st.Transport)),
				slog.String("url", st.URL),
				slog.Int("tools", st.ToolCount),
				slog.String("session_driver", srv.Sessions().Driver()),
			)

			<-ctx.Done()
			log.Info("serve.shutdown")
			return nil
		},
	}

	cmd.Flags().StringVar(&transportName, "transport", "stdio", "Transport type: stdio, http or websocket. Can also use MCP_TRANSPORT env var.")
	cmd.Flags().IntVar(&httpPort, "http-port", 3000, "HTTP listen port. Can also use MCP_HTTP_PORT env var.")
	cmd.Flags().IntVar(&wsPort, "ws-port", 3001, "WebSocket listen port. Can also use MCP_WS_PORT env var.")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging. Can also use MCP_DEBUG env var.")
	cmd.Flags().StringVar(&name, "name", "mcp-toolserver", "Server name reported to clients")
	cmd.Flags().BoolVar(&authEnabled, "auth", false, "Log in to the remote API on start using MCP_API_EMAIL and MCP_API_PASSWORD")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume this session id if it is still live")

	return cmd
}
