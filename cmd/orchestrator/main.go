// Package main is the entry point for the orchestrator binary: a
// single "serve" command that runs the HTTP/SSE control plane for
// interactive IDE sessions on SLURM-managed HPC clusters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hpcide/orchestrator/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rootCmd, err := newRootCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Launches and manages interactive IDE sessions on HPC clusters",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	serveCmd, err := newServeCommand(cfg)
	if err != nil {
		return nil, err
	}
	root.AddCommand(serveCmd)

	return root, nil
}
