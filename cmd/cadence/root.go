package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/internal/config"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Manage sandboxed music source extensions",
	Long: `Cadence manages the source extensions of a music player host.

Extensions are WebAssembly packages fetched from repositories, validated,
and run in a sandbox. Each one supplies search results and stream URLs
for its music source.`,
	SilenceErrors: true, // main prints the error once
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: cadence.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func printError(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
}

func buildLogger(cfg *config.Config) ports.Logger {
	level := ports.ParseLevel(cfg.LogLevel)
	if verbose {
		level = ports.LevelDebug
	}
	return logging.NewConsoleLogger(
		logging.WithLevel(level),
		logging.WithJSONFormat(cfg.LogJSON),
	)
}

// withRuntime wires the subsystem for a single command invocation and tears
// it down afterwards.
func withRuntime(fn func(ctx context.Context, service *app.Service) error) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	rt, err := app.New(ctx, app.Options{
		Config:      cfg,
		HostVersion: version,
		Logger:      buildLogger(cfg),
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	return fn(ctx, rt.Service())
}
