// Command sagad runs the saga orchestrator with its recovery sweeper behind
// the operator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/config"
	"github.com/fortressi/saga/httpapi"
	"github.com/fortressi/saga/internal/ordersaga"
	"github.com/fortressi/saga/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sagad: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/sagad.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := cfg.Log.NewLogger("sagad", os.Stdout)
	if err != nil {
		return err
	}
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("set GOMAXPROCS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	registry := saga.NewRegistry()
	registry.MustRegister(ordersaga.Definition(ordersaga.NewServices(map[string]int{"sku-1": 1000})))

	opts := []saga.Option{
		saga.WithLogger(log),
		saga.WithStepTimeout(cfg.Orchestrator.StepTimeout),
		saga.WithAwaitPollInterval(cfg.Orchestrator.AwaitPollInterval),
		saga.WithClaimAfter(cfg.Recovery.StaleAfter),
		saga.WithRetryPolicy(cfg.Orchestrator.Retry.Policy(saga.DefaultRetryPolicy())),
		saga.WithCompensationPolicy(cfg.Orchestrator.Compensation.Policy(saga.DefaultCompensationPolicy())),
		saga.WithObserver(deps.observers...),
	}
	if cfg.Orchestrator.WorkerID != "" {
		opts = append(opts, saga.WithWorkerID(cfg.Orchestrator.WorkerID))
	}
	o := saga.New(deps.store, registry, opts...)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(o)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "worker_id": o.WorkerID()})
	})
	if deps.metrics != nil {
		deps.metrics.RegisterInFlight(o)
		router.GET(cfg.Metrics.Path, gin.WrapH(deps.metrics.Handler()))
	}
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.RecoveryEnabled() {
		sweeper := saga.NewSweeper(o,
			saga.WithSweepInterval(cfg.Recovery.Interval),
			saga.WithStaleAfter(cfg.Recovery.StaleAfter),
			saga.WithSweepConcurrency(cfg.Recovery.Concurrency),
		)
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("worker_id", o.WorkerID()).
			Str("store", cfg.Store.Driver).Msg("sagad listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return o.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Err(err).Msg("sagad stopped")
	return err
}
