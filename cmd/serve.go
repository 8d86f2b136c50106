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

	"github.com/spf13/cobra"
	"github.com/transfa/rewards-service/internal/api"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the steps consumer and the ledger audit scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	log := logger.With("component", "bootstrap")
	log.Info("starting rewards-service", "store_driver", cfg.StoreDriver, "port", cfg.ServerPort)

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := seedCatalog(ctx, rt.repo, cfg.CatalogSeedPath, logger); err != nil {
		return err
	}

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			log.Warn("steps consumer unavailable; earnings accepted over HTTP only", "err", err)
		} else {
			defer consumer.Close()
			handler := rt.service.StepsConsumer()
			bindings := map[string]rabbitmq.Handler{
				domain.RoutingKeyStepsValidated: handler.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.StepsExchange, cfg.StepsQueue, bindings); err != nil {
				return fmt.Errorf("steps consumer setup failed: %w", err)
			}
			log.Info("steps consumer started", "exchange", cfg.StepsExchange, "queue", cfg.StepsQueue)
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(rt.service, logger), logger, cfg.LedgerAuditSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}

	handlers := api.NewRewardsHandlers(rt.service, logger)
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.RewardsRoutes(handlers, cfg.InternalAPIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn("ledger audit still running at shutdown")
		}
		return err
	})

	return g.Wait()
}
