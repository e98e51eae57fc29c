package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kitchenpulse/internal/domain/repository"
	"kitchenpulse/internal/middleware"
	"kitchenpulse/internal/service/ratelimit"
	"kitchenpulse/internal/usecase"
	"kitchenpulse/pkg/config"
	xhttp "kitchenpulse/pkg/http"
	pkgkafka "kitchenpulse/pkg/kafka"
	applogger "kitchenpulse/pkg/logger"
	"kitchenpulse/pkg/metrics"
)

// limiterIdle is how long a client bucket may sit full before it is forgotten.
const limiterIdle = 10 * time.Minute

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	svc        *usecase.EstimationService
	outbox     *middleware.OutboxPipeline
	store      repository.SnapshotStore
	consumer   *pkgkafka.Consumer
	kh         pkgkafka.MessageHandler
	limiter    *ratelimit.Limiter
	httpServer *xhttp.Server

	stopBg context.CancelFunc
	bg     sync.WaitGroup
}

// Deps groups what New needs. Consumer, Handler and Limiter may be nil.
type Deps struct {
	Config   *config.Config
	Logger   *applogger.Logger
	Service  *usecase.EstimationService
	Outbox   *middleware.OutboxPipeline
	Store    repository.SnapshotStore
	Consumer *pkgkafka.Consumer
	Handler  pkgkafka.MessageHandler
	Routes   xhttp.Handler
	Limiter  *ratelimit.Limiter
	Recorder *metrics.Recorder
	Checks   map[string]xhttp.HealthCheck
}

// New creates a new App instance with all dependencies.
func New(d Deps) *App {
	if d.Logger == nil {
		d.Logger = applogger.Nop()
	}
	opts := []xhttp.ServerOption{
		xhttp.WithPort(d.Config.Server.Port),
		xhttp.WithTimeouts(d.Config.Server.ReadTimeout, d.Config.Server.WriteTimeout, d.Config.Server.ShutdownTimeout),
		xhttp.WithLogger(d.Logger.With(applogger.String("component", "http"))),
	}
	if d.Config.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetricsPath(d.Config.Metrics.Path))
	} else {
		opts = append(opts, xhttp.WithMetricsPath(""))
	}
	if d.Recorder != nil {
		opts = append(opts, xhttp.WithObserver(d.Recorder))
	}
	if d.Store != nil {
		opts = append(opts, xhttp.WithHealthCheck("snapshot_store", d.Store.Health))
	}
	for name, check := range d.Checks {
		opts = append(opts, xhttp.WithHealthCheck(name, check))
	}

	return &App{
		cfg:        d.Config,
		log:        d.Logger,
		svc:        d.Service,
		outbox:     d.Outbox,
		store:      d.Store,
		consumer:   d.Consumer,
		kh:         d.Handler,
		limiter:    d.Limiter,
		httpServer: xhttp.NewServer(d.Routes, opts...),
	}
}

// HTTP returns the HTTP server.
func (a *App) HTTP() *xhttp.Server { return a.httpServer }

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start restores state and starts background work, consumers and HTTP.
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopBg = cancel

	if a.outbox != nil {
		a.outbox.Start(bgCtx)
	}

	if a.cfg.Storage.RestoreOnStart && a.store != nil {
		if err := a.restore(ctx); err != nil {
			return err
		}
	}

	a.svc.Start(bgCtx)
	l := a.log
	l.Info("estimation service started",
		applogger.String("storage", a.cfg.Storage.Backend),
		applogger.Duration("sweep_interval", a.cfg.Estimator.SweepInterval))

	if a.limiter != nil {
		a.bg.Add(1)
		go a.sweepLimiter(bgCtx)
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(); err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	if err := a.httpServer.Start(); err != nil {
		l.Error("http server start error", applogger.Error(err))
		return err
	}
	return nil
}

func (a *App) restore(ctx context.Context) error {
	orders, err := a.store.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	n, err := a.svc.Restore(ctx, orders)
	if err != nil {
		// membership is kept; the sweeper recomputes contended windows
		a.log.Warn("restore recompute deferred", applogger.Error(err))
	}
	a.log.Info("orders restored",
		applogger.Int("loaded", len(orders)),
		applogger.Int("active", n))
	return nil
}

func (a *App) sweepLimiter(ctx context.Context) {
	defer a.bg.Done()
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.limiter.Sweep(limiterIdle); n > 0 {
				a.log.Debug("rate limiter swept", applogger.Int("keys", n))
			}
		}
	}
}

// Shutdown stops intake first, then drains the core, then flushes the outbox.
func (a *App) Shutdown(ctx context.Context) error {
	l := a.log
	l.Info("shutting down")
	var errs []error

	if err := a.httpServer.Stop(ctx); err != nil {
		l.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			l.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	if err := a.svc.Shutdown(ctx); err != nil {
		l.Warn("estimation service stop error", applogger.Error(err))
		errs = append(errs, err)
	}

	if a.outbox != nil {
		if err := a.outbox.Stop(ctx); err != nil {
			l.Warn("outbox flush error", applogger.Error(err))
			errs = append(errs, err)
		}
		if n := a.outbox.Dropped(); n > 0 {
			l.Warn("outbox dropped updates", applogger.Uint64("count", n))
		}
	}

	if a.stopBg != nil {
		a.stopBg()
	}
	a.bg.Wait()

	l.Info("shutdown complete")
	return errors.Join(errs...)
}
