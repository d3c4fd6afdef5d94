// Package main is the entry point for the API gateway. The serve command
// loads configuration, assembles the gateway, starts the HTTP server and
// handles graceful shutdown on SIGINT/SIGTERM; routes and match inspect a
// configuration without starting anything.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/gateway.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "API gateway for the banking services",
		Long: `gateway fronts the account, payment and card services.

It matches each request to a backend service by path, enforces the token
gate on protected routes, forwards the request with trace context and maps
backend failures to gateway errors.

Commands:
  serve   Start the gateway
  routes  Print the validated route table
  match   Show which route and auth rule apply to a path`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newRoutesCmd(&configPath),
		newMatchCmd(&configPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
