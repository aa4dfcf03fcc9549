package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the remote API's health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(debugFromEnv())
			client, am, err := newAPI(log)
			if err != nil {
				return err
			}
			if client == nil {
				return errors.New("MCP_API_BASE_URL is not set")
			}
			if err := client.TestConnection(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remote API %s is reachable (authenticated: %t)\n", client.BaseURL(), am.IsAuthenticated())
			return nil
		},
	}
}
