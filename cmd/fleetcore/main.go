// fleetcore — the MQTT ingestion core of the Glowbound fleet platform.
//
// The daemon terminates the broker fan-in for every networked
// component, drives per-source registration to completion, and
// re-emits property publications as typed events. It serves an admin
// surface with health probes, Prometheus metrics, and a fleet status
// rollup.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/glowbound/fleetcore/internal/admin"
	"github.com/glowbound/fleetcore/internal/broker"
	"github.com/glowbound/fleetcore/internal/config"
	"github.com/glowbound/fleetcore/internal/locks"
	"github.com/glowbound/fleetcore/internal/metrics"
	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/internal/telemetry"
	"github.com/glowbound/fleetcore/pkg/events"
	"github.com/glowbound/fleetcore/pkg/ingest"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))

	log.Info().Str("version", cfg.Version).Msg("fleetcore starting")

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	cache, locker, err := buildBackend(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache backend")
	}

	core := ingest.New(cache, locker, ingest.Config{
		CompletionDelay: cfg.Ingest.CompletionDelay,
		DrainBudget:     cfg.Ingest.DrainBudget,
		LockWait:        cfg.Ingest.LockWait,
	})
	defer core.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.New(registry).ObserveBus(core.Events())
	bridgeEventLog(core.Events())

	tracker := admin.NewTracker(core.Events())

	mqttBroker := broker.New(cfg.MQTT, core)

	adminServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: admin.NewRouter(admin.Deps{
			Version: cfg.Version,
			Tracker: tracker,
			Cache:   core.Cache(),
			Ready:   mqttBroker.Connected,
			Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mqttBroker.Connect(ctx); err != nil {
			return err
		}
		log.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("mqtt connected")
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.AdminPort).Msg("admin surface listening")
		if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_ = adminServer.Shutdown(shutdownCtx)
		mqttBroker.Close()
		_ = shutdownTracing(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("fleetcore failed")
	}
	log.Info().Msg("fleetcore stopped")
}

// buildBackend selects the cache and lock coordinator: in-process by
// default, Redis when an address is configured so multiple ingestion
// daemons can share registration state.
func buildBackend(cfg config.RedisConfig) (regcache.Cache, locks.Locker, error) {
	if cfg.Addr == "" {
		return regcache.NewMemoryCache(), locks.NewKeyed(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("using redis cache backend")
	return regcache.NewRedisCache(client, cfg.Prefix), locks.NewRedisLocker(client, cfg.Prefix), nil
}

// bridgeEventLog mirrors the event stream into the structured log so
// operators can follow the fleet without a subscriber.
func bridgeEventLog(bus *events.Bus) {
	bus.OnOnline(func(ev events.Online) {
		log.Info().Str("component", ev.ComponentID).Bool("online", ev.Online).Msg("component online state")
	})
	bus.OnRegistered(func(ev events.Registered) {
		log.Info().Str("component", ev.ComponentID).Str("source", string(ev.Source)).
			Bool("registered", ev.Registered).Msg("registration state")
	})
	bus.OnPropertyUpdate(func(ev events.PropertyUpdate) {
		log.Debug().Str("component", ev.ComponentID).Str("source", string(ev.Source)).
			Str("path", ev.Path).Msg("property update")
	})
	bus.OnLogReceived(func(ev events.LogReceived) {
		line := log.Debug()
		switch ev.Log.Severity {
		case "error":
			line = log.Error()
		case "warning":
			line = log.Warn()
		}
		line.Str("component", ev.ComponentID).Str("source", string(ev.Source)).
			Str("text", ev.Log.Text).Msg("device log")
	})
	bus.OnUnhandled(func(ev events.UnhandledMessage) {
		log.Debug().Str("component", ev.ComponentID).Str("topic", ev.Topic).Msg("unhandled topic")
	})
}

// parseLevel maps a configured level onto zerolog. The fleet
// protocol's legacy names (http, verbose, silly) are accepted.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "http", "verbose", "debug":
		return zerolog.DebugLevel
	case "silly":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
