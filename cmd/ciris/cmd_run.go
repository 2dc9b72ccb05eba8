package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ciris/internal/runtime"
)

var watchConfig bool

// runCmd boots the agent and blocks until shutdown
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the agent and process rounds until shutdown",
	Long: `Assembles the full agent (persistence, audit chain, service registry,
buses, DMA pipeline, conscience, handlers, processor) and runs it:
WAKEUP self-checks first, then the WORK round loop.

The first interrupt requests a graceful shutdown and gives in-flight work
the configured grace period; a second interrupt stops the loop
immediately.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", true, "Hot-reload the config file on change")
}

func runAgent(cmd *cobra.Command, args []string) error {
	rt, err := runtime.New(runtime.Options{
		ConfigPath:  configPath,
		WatchConfig: watchConfig,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received, winding down")
		rt.RequestShutdown("operator signal")
		<-sigCh
		logger.Warn("Second signal, stopping immediately")
		cancel()
	}()

	if err := rt.Run(ctx); err != nil {
		return err
	}
	return rt.Close()
}
