// Command server runs the ticket generation coordinator: the HTTP entry
// point, the REQUEST publisher and the RESPONSE consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-coordinator/internal/config"
	"github.com/iliyamo/ticket-coordinator/internal/coordinator"
	"github.com/iliyamo/ticket-coordinator/internal/database"
	"github.com/iliyamo/ticket-coordinator/internal/handler"
	"github.com/iliyamo/ticket-coordinator/internal/logging"
	"github.com/iliyamo/ticket-coordinator/internal/monitoring"
	"github.com/iliyamo/ticket-coordinator/internal/queue/transport"
	"github.com/iliyamo/ticket-coordinator/internal/repository"
	"github.com/iliyamo/ticket-coordinator/internal/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := pflag.String("env-file", ".env", "file of KEY=VALUE pairs loaded before the environment is read")
	migrate := pflag.Bool("migrate", true, "apply the embedded schema at startup")
	adminPerMinute := pflag.Int("admin-rate", 120, "requests per minute and client IP allowed on /admin (0 disables)")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	if *migrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
	}
	store := repository.NewStore(db, cfg.DB.QueryTimeout, cfg.DB.ConnTimeout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(reg)

	broker, rdb, err := transport.Open(ctx, cfg.Broker, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	var beats redis.Cmdable
	if rdb != nil {
		beats = rdb
	}
	coord := coordinator.New(coordinator.ConfigFrom(cfg), broker, store, beats, log, metrics)
	if err := coord.Start(ctx); err != nil {
		_ = coord.Shutdown(context.Background())
		return err
	}

	e := router.New(router.Deps{
		Log:            logging.Component(log, "http"),
		JWTSecret:      cfg.JWTSecret,
		Probe:          coord,
		Tickets:        handler.NewTicketHandler(coord.Accepter(), store),
		Admin:          handler.NewAdminHandler(coord),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Redis:          rdb,
		RateLimit:      cfg.RateLimit,
		Cache:          cfg.Cache,
		AdminPerMinute: *adminPerMinute,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("broker", cfg.Broker.Kind).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownGrace+10*time.Second)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		err := coord.Shutdown(sctx)
		if rdb != nil && cfg.Broker.Kind != "redis" {
			_ = rdb.Close()
		}
		return err
	})
	return g.Wait()
}
