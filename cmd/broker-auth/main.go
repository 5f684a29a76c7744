package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	brokeradapter "github.com/tradebench/broker-auth/internal/adapter/broker"
	cacheadapter "github.com/tradebench/broker-auth/internal/adapter/cache"
	"github.com/tradebench/broker-auth/internal/audit"
	"github.com/tradebench/broker-auth/internal/config"
	"github.com/tradebench/broker-auth/internal/crypto"
	"github.com/tradebench/broker-auth/internal/csrf"
	httptransport "github.com/tradebench/broker-auth/internal/http"
	"github.com/tradebench/broker-auth/internal/http/handler"
	apimiddleware "github.com/tradebench/broker-auth/internal/middleware"
	"github.com/tradebench/broker-auth/internal/repository"
	"github.com/tradebench/broker-auth/internal/server"
	"github.com/tradebench/broker-auth/internal/service"
	"github.com/tradebench/broker-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newConfigRepository,
			newTokenRepository,
			newAuditRepository,
			newAuditLogger,
			newCipher,
			newStateStore,
			newCSRFManager,
			newWindowStore,
			newRateLimiter,
			newBrokerClient,
			newTokenVault,
			service.NewConnectionService,
			newSweeper,
			handler.NewBrokerHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer, startSweeper),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newConfigRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.ConfigRepository {
	return repository.NewPostgresConfigRepo(pool, node)
}

func newTokenRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool, node)
}

func newAuditRepository(pool *pgxpool.Pool, node *snowflake.Node) audit.Repository {
	return repository.NewPostgresAuditRepo(pool, node)
}

func newAuditLogger(repo audit.Repository, logger *zap.Logger) *audit.Logger {
	return audit.NewLogger(repo, logger)
}

func newCipher(cfg config.Config) (*crypto.Cipher, error) {
	if len(cfg.CipherKey) > 0 {
		return crypto.New(cfg.CipherKey)
	}
	return crypto.NewFromPassphrase(cfg.CipherPassphrase, cfg.CipherSalt)
}

func newStateStore(client redis.UniversalClient) csrf.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newCSRFManager(store csrf.StateStore) *csrf.Manager {
	return csrf.NewManager(store)
}

func newWindowStore(client redis.UniversalClient) apimiddleware.WindowStore {
	return cacheadapter.NewRedisWindowStore(client)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newBrokerClient(cfg config.Config) brokeradapter.Client {
	return brokeradapter.NewHTTPClient(cfg.BrokerBaseURL, nil)
}

func newTokenVault(cipher *crypto.Cipher, tokens repository.TokenRepository) *service.TokenVault {
	return service.NewTokenVault(cipher, tokens)
}

func newSweeper(
	tokens repository.TokenRepository,
	configs repository.ConfigRepository,
	connections *service.ConnectionService,
	cfg config.Config,
	logger *zap.Logger,
) *service.Sweeper {
	return service.NewSweeper(tokens, configs, connections, cfg.SweepInterval, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startSweeper(lc fx.Lifecycle, sweeper *service.Sweeper) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				sweeper.Run(runCtx)
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
