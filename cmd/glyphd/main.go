// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/glyphd/glyphd/lib/breaker"
	"github.com/glyphd/glyphd/lib/clock"
	"github.com/glyphd/glyphd/lib/config"
	"github.com/glyphd/glyphd/lib/imagestore"
	"github.com/glyphd/glyphd/lib/lru"
	"github.com/glyphd/glyphd/lib/notify"
	"github.com/glyphd/glyphd/lib/pathguard"
	"github.com/glyphd/glyphd/lib/registry"
	"github.com/glyphd/glyphd/lib/service"
	"github.com/glyphd/glyphd/lib/statedb"
)

var version = "dev"

// breakerStateKey is the kv key the relay breaker persists under.
const breakerStateKey = "circuitBreakerState"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "glyphd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		hashToken   string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to glyphd.yaml (overrides GLYPHD_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "listen address override")
	pflag.StringVar(&hashToken, "hash-token", "", "print the bcrypt hash for an admin token and exit")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("glyphd", version)
		return nil
	}
	if hashToken != "" {
		hash, err := service.HashAdminToken(hashToken)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := service.NewLogger()
	clk := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := pathguard.New(cfg.AllowedRoots)
	if err != nil {
		return fmt.Errorf("building path validator: %w", err)
	}

	db, err := statedb.Open(statedb.Config{
		Path:   cfg.State.DBPath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	registryCache := registry.NewCache(registry.Config{
		Path:          cfg.Registry.Path,
		TTL:           cfg.Registry.TTL.Std(),
		DebounceDelay: cfg.Registry.DebounceDelay.Std(),
		PollInterval:  cfg.Registry.PollInterval.Std(),
		PollOnly:      cfg.Registry.PollOnly,
		Clock:         clk,
		Logger:        logger,
	})
	defer registryCache.Close()

	images, err := imagestore.NewStore(cfg.Images.Dir, clk)
	if err != nil {
		return err
	}

	queue, err := notify.NewQueue(ctx, db, clk)
	if err != nil {
		return err
	}

	handlerConfig := HandlerConfig{
		Logger:         logger,
		Guard:          guard,
		Registry:       registryCache,
		Icons:          lru.New[cachedIcon](cfg.Favicon.CacheCapacity),
		Images:         images,
		Queue:          queue,
		Clock:          clk,
		AdminTokenHash: cfg.HTTP.AdminTokenHash,
		MaxUploadBytes: cfg.Images.MaxUploadBytes,
	}

	// Relay mode: poll an upstream glyphd and merge its notifications
	// into the local queue, circuit-breaker guarded with state
	// persisted across restarts.
	if cfg.Notify.UpstreamURL != "" {
		relayBreaker, err := breaker.New(ctx, breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			InitialBackoff:   cfg.Breaker.InitialBackoff.Std(),
			MaxBackoff:       cfg.Breaker.MaxBackoff.Std(),
			Store:            db.KeyStore(breakerStateKey),
			Clock:            clk,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("restoring relay breaker: %w", err)
		}
		defer relayBreaker.Close()
		handlerConfig.BreakerSnapshot = relayBreaker.Snapshot

		poller, err := notify.NewPoller(notify.PollerConfig{
			BaseURL:        cfg.Notify.UpstreamURL,
			Breaker:        relayBreaker,
			Interval:       cfg.Notify.PollInterval.Std(),
			AttemptTimeout: cfg.Notify.AttemptTimeout.Std(),
			Handle:         relayIntoQueue(ctx, queue, logger),
			Clock:          clk,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("building upstream poller: %w", err)
		}
		go poller.Run(ctx)
		logger.Info("relaying notifications from upstream", "upstream", cfg.Notify.UpstreamURL)
	}

	handler := NewHandler(handlerConfig)
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen,
		Handler: buildMiddleware(middlewareConfig{
			rateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
			rateLimitBurst:     cfg.HTTP.RateLimitBurst,
			corsOrigins:        cfg.HTTP.CORSOrigins,
		}, clk, logger, handler.Routes()),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	logger.Info("glyphd starting",
		"version", version,
		"listen", cfg.Listen,
		"roots", cfg.AllowedRoots,
		"registry", cfg.Registry.Path,
	)
	return server.Serve(ctx)
}

// relayIntoQueue re-queues upstream notifications locally. IDs are
// local; the poller's cursor tracks upstream IDs on its side.
func relayIntoQueue(ctx context.Context, queue *notify.Queue, logger *slog.Logger) func([]notify.Notification) {
	return func(batch []notify.Notification) {
		for _, n := range batch {
			n.ID = 0
			if _, err := queue.Add(ctx, n); err != nil {
				logger.Warn("dropping relayed notification", "error", err)
			}
		}
	}
}
