// Command fleetsim runs the delivery fleet simulator: as a long-running
// service with HTTP, gRPC health and metrics endpoints, or as a headless
// accelerated run that prints a per-tick summary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/fleet-simulator/internal/config"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetsim",
		Short:         "Delivery fleet simulator",
		Long:          "fleetsim simulates delivery robots executing missions, with battery, blocked-path and hardware failures.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSimulateCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetsim %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads path when given, otherwise starts from the defaults.
// Environment overrides apply either way.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func execute(cmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		logging.NewFromEnv().Error(ctx, "fleetsim failed", logging.Err(err))
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
