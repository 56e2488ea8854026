package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extension subsystem until interrupted",
	Long: `Keep the subsystem resident: activated extensions stay loaded, update
checks run on their schedule, and package archives dropped into the
sideload directory are imported automatically.

Stop with Ctrl-C or SIGTERM.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	if err := rt.Start(); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	active := rt.Service().ActiveExtensions()
	fmt.Printf("cadence %s running with %d active extension(s); press Ctrl-C to stop\n", version, len(active))

	<-ctx.Done()
	fmt.Println("shutting down")
	return rt.Close(context.Background())
}
