// Command delivery runs the Fedora notification delivery service: it
// consumes bus messages, matches them against subscriber preferences, and
// fans deliveries out to the configured channels.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	bus "github.com/jeremycline/fedora-notifications/internal/bus/amqp"
	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/channel/email"
	"github.com/jeremycline/fedora-notifications/internal/channel/irc"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/dedup"
	"github.com/jeremycline/fedora-notifications/internal/dispatcher"
	"github.com/jeremycline/fedora-notifications/internal/formatter"
	"github.com/jeremycline/fedora-notifications/internal/matcher"
	"github.com/jeremycline/fedora-notifications/internal/observability"
	"github.com/jeremycline/fedora-notifications/internal/store/postgres"
)

const (
	defaultConfigPath        = "config/delivery.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 20 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	observability.SetLogger(observability.NewZerologLogger(cfg.Logging.Level, cfg.Logging.Format))
	log := observability.Log()

	telemetryShutdown, err := observability.InitTelemetry(ctx,
		cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName,
		cfg.Telemetry.OTLPInsecure, cfg.Telemetry.EnableMetrics)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	if cfg.Database.RunMigrations {
		if err := postgres.Migrate(ctx, cfg.Database.DSN); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	reader := postgres.NewReader(pool)

	cache, err := buildDedupCache(ctx, cfg.Dedup)
	if err != nil {
		return fmt.Errorf("initialise dedup cache: %w", err)
	}

	var lifecycle conc.WaitGroup

	adapters, err := buildAdapters(ctx, cfg, &lifecycle)
	if err != nil {
		return err
	}

	renderer := formatter.New(cfg.Email.FromAddress)
	disp, err := dispatcher.New(cfg, reader, matcher.New(renderer), cache, adapters)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	consumer := bus.NewConsumer(cfg.AMQP)
	busErr := make(chan error, 1)
	lifecycle.Go(func() { busErr <- consumer.Run(ctx) })
	lifecycle.Go(func() { _ = disp.Run(ctx, consumer.Deliveries()) })

	log.Info("delivery service started",
		observability.String("queue", cfg.AMQP.Queue),
		observability.String("exchange", cfg.AMQP.Exchange),
		observability.Int("prefetch", cfg.AMQP.Prefetch))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-busErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("bus consumption failed", observability.Err(err))
			runErr = err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		lifecycle: &lifecycle,
		cache:     cache,
		pool:      pool,
		telemetry: telemetryShutdown,
	})
	log.Info("shutdown completed",
		observability.String("elapsed", time.Since(shutdownStart).String()))

	return runErr
}

func parseFlags() string {
	configPath := flag.String("config", "",
		fmt.Sprintf("Path to the delivery service configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *configPath != "" {
		return *configPath
	}
	return filepath.Clean(defaultConfigPath)
}

func buildDedupCache(ctx context.Context, cfg config.DedupConfig) (dedup.Cache, error) {
	switch cfg.Backend {
	case config.DedupRedis:
		return dedup.NewRedisCache(ctx, cfg.RedisURL, cfg.Window)
	default:
		return dedup.NewMemoryCache(cfg.Window), nil
	}
}

func buildAdapters(ctx context.Context, cfg config.Config, lifecycle *conc.WaitGroup) ([]channel.Adapter, error) {
	var adapters []channel.Adapter
	if cfg.IRC.Enabled {
		ircAdapter := irc.New(cfg.IRC)
		adapters = append(adapters, ircAdapter)
		lifecycle.Go(func() {
			if err := ircAdapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				observability.Log().Error("irc connection loop exited", observability.Err(err))
			}
		})
	}
	if cfg.Email.Enabled {
		emailAdapter, err := email.New(cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("build email adapter: %w", err)
		}
		adapters = append(adapters, emailAdapter)
	}
	return adapters, nil
}

type gracefulShutdownConfig struct {
	lifecycle *conc.WaitGroup
	cache     dedup.Cache
	pool      interface{ Close() }
	telemetry func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	log := observability.Log()
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			log.Warn("shutdown step failed",
				observability.String("step", name), observability.Err(err))
		}
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.cache != nil {
		shutdownStep("closing dedup cache", storeShutdownTimeout, func(context.Context) error {
			return cfg.cache.Close()
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", storeShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.pool.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry(stepCtx)
		})
	}
}
