// Command replicator is the consuming service process: it keeps the local
// replica of every remote user in sync and serves it read-only over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"gamehub/internal/platform/config"
	"gamehub/internal/platform/httpserver"
	"gamehub/internal/platform/logger"
	"gamehub/internal/platform/metrics"
	"gamehub/internal/readmodel"
	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("replicator stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("replicator stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	policy, err := dispatcher.ParsePolicy(cfg.Consumer.Policy)
	if err != nil {
		return fmt.Errorf("GAMEHUB_FAILURE_POLICY: %w", err)
	}
	opts := []dispatcher.Option{
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(m),
		dispatcher.WithPolicy(policy, dispatcher.RetryConfig{
			InitialInterval: cfg.Consumer.RetryInitial,
			MaxInterval:     cfg.Consumer.RetryMaxInterval,
			MaxElapsedTime:  cfg.Consumer.RetryMaxElapsed,
			MaxAttempts:     cfg.Consumer.RetryMaxAttempts,
		}),
	}
	if cfg.Consumer.DeadLetter {
		opts = append(opts, dispatcher.WithDeadLetter(dispatcher.NewProducerDeadLetter(bus.producer)))
	}
	engine := reconcile.New(store.Store, reconcile.WithLogger(log), reconcile.WithMetrics(m))
	pump := dispatcher.NewPump(bus.source, dispatcher.New(engine, opts...),
		dispatcher.WithPumpLogger(log),
		dispatcher.WithPumpMetrics(m),
		dispatcher.WithConcurrency(cfg.Consumer.Concurrency),
		dispatcher.WithDrainTimeout(cfg.Consumer.DrainTimeout),
	)

	router := readmodel.NewRouter(readmodel.RouterConfig{
		Handler:  readmodel.New(store.Store, log),
		Logger:   log,
		Metrics:  m,
		Gatherer: reg,
		Checks: map[string]readmodel.HealthCheck{
			"store":  store.Health,
			"broker": bus.Health,
		},
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming user changes",
			"broker", cfg.Broker.Kind,
			"topic", cfg.Broker.Topic,
			"group", cfg.Broker.Group,
			"store", cfg.Store.Kind,
			"policy", policy.String(),
		)
		if err := pump.Run(gctx); err != nil {
			return err
		}
		if ctx.Err() == nil {
			return errors.New("consumer stopped unexpectedly")
		}
		return nil
	})
	g.Go(func() error {
		log.Info("serving read model", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpserver.Shutdown(srv, cfg.Server.ShutdownTimeout)
	})
	return g.Wait()
}
