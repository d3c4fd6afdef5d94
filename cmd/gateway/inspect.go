package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dskow/bank-gateway/internal/auth"
	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/routing"
)

func loadTable(configPath string) (*config.Config, *routing.Table, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, nil, err
	}
	return cfg, table, nil
}

func newRoutesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the validated route table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, table, err := loadTable(*configPath)
			if err != nil {
				return err
			}
			printRoutes(cmd.OutOrStdout(), cfg, table)
			return nil
		},
	}
}

func printRoutes(out io.Writer, cfg *config.Config, table *routing.Table) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATTERN\tSERVICE\tAUTH\tMETHODS")
	for _, r := range table.Routes() {
		methods := "*"
		if len(r.Methods) > 0 {
			methods = strings.Join(r.Methods, ",")
		}
		authMode := "open"
		if r.RequiresAuth {
			authMode = "token"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Pattern, r.Service, authMode, methods)
	}
	tw.Flush()

	if public := table.PublicPaths(); len(public) > 0 {
		fmt.Fprintf(out, "\npublic paths: %s\n", strings.Join(public, ", "))
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
}

func newMatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "match <path>",
		Short: "Show which route and auth rule apply to a path",
		Example: `  gateway match /api/accounts/acc-1/balance
  gateway match --config prod.yaml /api/public/rates`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, table, err := loadTable(*configPath)
			if err != nil {
				return err
			}
			printMatch(cmd.OutOrStdout(), table, args[0])
			return nil
		},
	}
}

// printMatch evaluates the auth gate without credentials; the validator is
// never reached in that case.
func printMatch(out io.Writer, table *routing.Table, path string) {
	gate := auth.NewGate(table, nil, slog.New(slog.DiscardHandler))
	outcome := gate.Decide(context.Background(), path, "")

	route, ok := table.Match(path)
	if !ok {
		fmt.Fprintf(out, "path:    %s\nroute:   none (404)\n", path)
		return
	}
	fmt.Fprintf(out, "path:    %s\nroute:   %s\nservice: %s\n", path, route.Pattern, route.Service)
	switch outcome {
	case auth.AllowPublic:
		fmt.Fprintln(out, "auth:    public path, no token needed")
	case auth.AllowOpenRoute:
		fmt.Fprintln(out, "auth:    open route, no token needed")
	default:
		fmt.Fprintln(out, "auth:    bearer token required")
	}
}
