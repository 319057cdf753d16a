// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-mpckit/internal/config"
	"github.com/jeremyhahn/go-mpckit/internal/rest"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/ratelimit"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/spf13/cobra"
)

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development metadata and session backend",
		Long: `Serve the metadata and session services from memory, with health
probes under /health and Prometheus metrics.

Engines reach it by setting metadata.url and session.url to the
server address. State is lost when the process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfg.Logger())
		},
	}
	cmd.Flags().String("address", "", "listen address (default from config)")
	cmd.Flags().Bool("rate-limit", true, "limit requests per client")
	c.bindFlags(cmd)
	return cmd
}

// serve runs the dev backend until ctx ends.
func serve(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if !cfg.Metrics.Enabled {
		metrics.Disable()
	}
	limiter := ratelimit.New(cfg.RateLimit())
	defer limiter.Stop()

	store := metadata.NewMemoryStore()
	counted := map[string]metrics.Counter{"metadata": store}
	var sessions session.Store
	if cfg.Session.Enabled {
		mem := session.NewMemoryStore()
		counted["sessions"] = mem
		sessions = mem
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		go metrics.NewCollector(15*time.Second, counted).Run(ctx)
	}

	srv, err := rest.NewServer(&rest.Config{
		Address:        cfg.Server.Address,
		Metadata:       store,
		Sessions:       sessions,
		RateLimiter:    limiter,
		MetricsPath:    metricsPath,
		Version:        Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
