package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcide/orchestrator/internal/analytics"
	"github.com/hpcide/orchestrator/internal/config"
	"github.com/hpcide/orchestrator/internal/core"
	"github.com/hpcide/orchestrator/internal/httpapi"
	"github.com/hpcide/orchestrator/internal/jobs"
	"github.com/hpcide/orchestrator/internal/keystore"
	"github.com/hpcide/orchestrator/internal/metrics"
	"github.com/hpcide/orchestrator/internal/proxy"
	"github.com/hpcide/orchestrator/internal/sshtransport"
	"github.com/hpcide/orchestrator/internal/statuscache"
	"github.com/hpcide/orchestrator/internal/transport"
	"github.com/hpcide/orchestrator/internal/tunnel"
	"github.com/hpcide/orchestrator/internal/userstore"
)

// newServeCommand builds the "serve" subcommand, wiring every
// collaborator by hand: this system has one binary and no Wire
// provider graph to generate, so the composition root is plain Go.
func newServeCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the orchestrator's HTTP/SSE API",
		Example: "orchestrator serve --server-address=:8080",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	if err := cfg.BindFlags(cmd.Flags(), config.ServeOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	registry, err := cfg.LoadClusterRegistry()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	users, err := userstore.Open(cfg.UserstorePath())
	if err != nil {
		return fmt.Errorf("serve: opening userstore: %w", err)
	}
	defer users.Close()

	metricsRecorder, err := metrics.New()
	if err != nil {
		return fmt.Errorf("serve: initializing metrics: %w", err)
	}

	eventsRecorder, err := analytics.Open(cfg.AnalyticsPath(), log)
	if err != nil {
		return fmt.Errorf("serve: opening analytics store: %w", err)
	}
	defer eventsRecorder.Close()

	if err := os.MkdirAll(cfg.SessionKeysDir(), 0o700); err != nil {
		return fmt.Errorf("serve: preparing session key directory: %w", err)
	}
	sessionKeys := keystore.NewSessionKeys(cfg.SessionKeysDir(), cfg.SessionKeysTTL())
	defer sessionKeys.Close()

	identity := keystore.New(users, sessionKeys, cfg.JWTSecret(), cfg.AdminKeyPath())

	sshTransport := sshtransport.New(registry, identity, "", log.With("component", "sshtransport"))

	jobController := jobs.New(sshTransport, registry, cfg.JWTSecret(), log.With("component", "jobs"))

	tunnelManager := tunnel.New(registry, identity, log.With("component", "tunnel"))
	tunnelManager.ReapOrphans()
	instrumentedTunnels := metrics.WrapTunnels(tunnelManager, metricsRecorder)

	statusCache := statuscache.New(jobController, cfg.StatusCacheTTL())
	refresher := statuscache.NewRefresher(statusCache, registry, log.With("component", "statuscache"))
	instrumentedCache := metrics.WrapCache(statusCache, metricsRecorder)

	analyticsFanout := analytics.Fanout{eventsRecorder, metricsRecorder}
	sm := core.NewStateMachine(jobController, instrumentedTunnels, statusCache, registry, analyticsFanout)

	reverseProxy := proxy.New(tunnelManager, log.With("component", "proxy"))

	apiServer := httpapi.New(sm, instrumentedCache, registry,
		httpapi.WithAddress(cfg.ServerAddress()),
		httpapi.WithAllowedOrigins(cfg.ServerAllowedOrigins()),
		httpapi.WithLogger(log.With("component", "httpapi")),
		httpapi.WithMount("/proxy/", reverseProxy),
		httpapi.WithMount("/metrics", metrics.Handler()),
	)

	log.Info("orchestrator starting", "address", cfg.ServerAddress())
	startedAt := time.Now()
	err = transport.Serve(ctx, apiServer, refresher)
	log.Info("orchestrator stopped", "uptime", time.Since(startedAt))
	return err
}
