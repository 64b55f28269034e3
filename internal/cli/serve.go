package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/api"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/consumer"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/processor"
)

const shutdownTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event consumer, reconciler and HTTP API",
	Long: `Run the engine: payment events are consumed from RabbitMQ (unless
RABBITMQ_ENABLED=false), closed pool segments are settled and ledgers are
verified on every reconcile tick, and the HTTP API serves ledger reads and
manager operations.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		a.reconciler.Run(ctx, a.cfg.Reconcile.Interval)
	}()

	srv := api.NewServer(api.Services{
		Store:       a.store,
		Pools:       a.pools,
		Resolver:    a.resolver,
		Adjustments: a.adjustments,
		Payouts:     a.payouts,
		Checker:     a.checker,
		Exporter:    a.exporter,
		Reviews:     a.reviews,
	}, log)
	if a.cfg.HTTP.MetricsEnabled {
		srv.EnableMetrics()
	}
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 2)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var workers *sync.WaitGroup
	if a.cfg.Rabbit.Enabled {
		updates := make(chan processor.IncomingUpdate, a.cfg.Rabbit.Prefetch)
		proc := processor.New(processor.Handlers{
			Allocator: a.pipeline,
			Reverser:  a.resolver,
			Adjuster:  a.adjustments,
		}, a.reviews, a.cfg.Engine.MaxRetries, log)
		workers = proc.StartPool(ctx, updates, a.cfg.Rabbit.Workers)

		rmq, err := consumer.New(a.cfg.Rabbit, log, updates)
		if err != nil {
			stop()
			return err
		}
		defer rmq.Close()
		go func() {
			if err := rmq.Start(ctx); err != nil && ctx.Err() == nil {
				errs <- err
			}
		}()
	} else {
		log.Info("rabbitmq disabled, event consumption off")
	}

	select {
	case <-ctx.Done():
	case err = <-errs:
		log.WithError(err).Error("component stopped unexpectedly")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if workers != nil {
		workers.Wait()
	}
	background.Wait()

	log.Info("graceful shutdown complete")
	return err
}
