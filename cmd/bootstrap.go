package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/config"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/redemption"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
)

// runtime is the wired object graph shared by every subcommand.
type runtime struct {
	repo      store.Repository
	service   *app.Service
	publisher rabbitmq.Publisher
	closers   []func()
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func bootstrap(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	log := logger.With("component", "bootstrap")
	rt := &runtime{}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.repo = repo
	rt.closers = append(rt.closers, func() {
		if err := repo.Close(); err != nil {
			log.Warn("repository close failed", "err", err)
		}
	})

	rt.publisher = openPublisher(cfg, logger)
	rt.closers = append(rt.closers, rt.publisher.Close)

	ledgerEngine := ledger.New(repo, logger, ledger.Config{
		MaxRetries:    cfg.LedgerMaxRetries,
		LockTimeout:   cfg.LockTimeout(),
		VerifyOnWrite: cfg.LedgerVerifyOnWrite,
	})
	redemptions := redemption.New(repo, ledgerEngine, logger, redemption.Config{
		VoucherValidity: cfg.VoucherValidity(),
		VoucherPrefix:   cfg.VoucherPrefix,
		LockTimeout:     cfg.LockTimeout(),
	})
	rt.service = app.NewService(ledgerEngine, redemptions, repo, rt.publisher, logger, app.Config{
		EventsExchange: cfg.EventsExchange,
		LockTimeout:    cfg.LockTimeout(),
	})

	if client := openRedis(ctx, cfg, logger); client != nil {
		rt.closers = append(rt.closers, func() { client.Close() })
		rt.service.SetRedeemLimiter(app.NewRedisRedeemLimiter(client, cfg.RedisRateLimitPrefix, cfg.RedeemRateLimitPerMinute))
	}

	return rt, nil
}

// seedCatalog upserts the configured catalog file. Existing items keep their stock, so
// running it on every start never restores redeemed units.
func seedCatalog(ctx context.Context, repo store.CatalogRepository, path string, logger *slog.Logger) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	items, err := store.LoadCatalogFile(path)
	if err != nil {
		return fmt.Errorf("catalog seed failed: %w", err)
	}
	n, err := store.SeedCatalog(ctx, repo, items)
	if err != nil {
		return fmt.Errorf("catalog seed failed: %w", err)
	}
	logger.Info("catalog seeded", "component", "bootstrap", "path", path, "items", n)
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	log := logger.With("component", "bootstrap", "store_driver", cfg.StoreDriver)

	switch cfg.StoreDriver {
	case config.StoreSQLite:
		repo, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		log.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repo, nil

	case config.StorePostgres:
		pool, err := connectPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		repo := store.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("schema setup failed: %w", err)
		}
		return repo, nil

	default:
		log.Warn("using in-memory store; state is lost on exit")
		return store.NewMemoryRepository(), nil
	}
}

// connectPostgres establishes the pool, retrying the first ping while the database
// comes up.
func connectPostgres(ctx context.Context, databaseURL string, log *slog.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres store")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, pool.Ping(pingCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("database ping failed; retrying", "err", err, "backoff", next)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	log.Info("database connected")
	return pool, nil
}

func openPublisher(cfg config.Config, logger *slog.Logger) rabbitmq.Publisher {
	log := logger.With("component", "bootstrap")
	if cfg.RabbitMQURL == "" {
		log.Warn("rabbitmq url missing; events will be logged only", "env", "RABBITMQ_URL")
		return &rabbitmq.LogPublisher{Logger: logger}
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		log.Warn("rabbitmq producer unavailable; using fallback", "err", err)
		return &rabbitmq.LogPublisher{Logger: logger}
	}
	log.Info("rabbitmq producer connected")
	return producer
}

func openRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	log := logger.With("component", "bootstrap")
	if cfg.RedeemRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; redeem rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; redeem rate limiting disabled", "err", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; redeem rate limiting disabled", "err", err)
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
