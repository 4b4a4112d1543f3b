package main

import (
	"context"
	"time"

	"wallet-stream/internal/adapters/secondary"
	appservice "wallet-stream/internal/application/service"
	"wallet-stream/internal/domain/repository"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/blockchain"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/database"
	"wallet-stream/internal/infrastructure/logger"
	"wallet-stream/internal/infrastructure/messaging"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// provideMongoDB connects to MongoDB when persistence is enabled
func provideMongoDB(cfg *config.Config) (*database.MongoDB, error) {
	if !cfg.MongoDB.Enabled {
		return nil, nil
	}
	return database.NewMongoDB(&cfg.MongoDB)
}

// provideTransferRepository returns nil when persistence is disabled
func provideTransferRepository(db *database.MongoDB) repository.TransferRepository {
	if db == nil {
		return nil
	}
	return secondary.NewTransferRepository(db)
}

// provideMetricsRepository returns nil when persistence is disabled
func provideMetricsRepository(db *database.MongoDB) repository.MetricsRepository {
	if db == nil {
		return nil
	}
	return secondary.NewMetricsRepository(db)
}

// provideBalanceService returns nil unless an EVM RPC endpoint is configured
func provideBalanceService(cfg *config.Config, logger *logger.Logger) service.BalanceService {
	if !cfg.EVM.Enabled || cfg.EVM.RPCURL == "" {
		return nil
	}
	return blockchain.NewEVMBalanceService(&cfg.EVM, logger)
}

func main() {
	app := fx.New(
		fx.StartTimeout(2*time.Minute),
		fx.StopTimeout(30*time.Second),

		// Configuration
		fx.Provide(config.LoadConfig),

		// Infrastructure
		fx.Provide(logger.NewLogger),
		fx.Provide(provideMongoDB),

		// Messaging service (optional, publishing is a no-op when disabled)
		fx.Provide(
			fx.Annotate(
				messaging.NewNATSMessagingService,
				fx.As(new(service.MessagingService)),
			),
		),

		// Balance lookups for EVM accounts
		fx.Provide(provideBalanceService),

		// Repositories
		fx.Provide(provideTransferRepository),
		fx.Provide(provideMetricsRepository),

		// Application services
		fx.Provide(appservice.NewConnectionFactory),
		fx.Provide(appservice.NewWalletWatcherAppService),

		// Lifecycle hooks
		fx.Invoke(registerStreamerHooks),
	)

	app.Run()
}

// registerStreamerHooks registers wallet streamer lifecycle hooks
func registerStreamerHooks(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *logger.Logger,
	db *database.MongoDB,
	balanceService service.BalanceService,
	messagingService service.MessagingService,
	watcher *appservice.WalletWatcherAppService,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting Wallet Streamer",
				zap.String("version", "1.0.0"),
				zap.Bool("tezos", cfg.Tezos.Enabled),
				zap.Bool("evm", cfg.EVM.Enabled),
				zap.Strings("accounts", cfg.Watch.Accounts))

			// Create database indexes
			if db != nil {
				if err := db.CreateIndexes(ctx); err != nil {
					logger.Error("Failed to create database indexes", zap.Error(err))
					return err
				}
			}

			// Balance refresh is best effort
			if balanceService != nil {
				if err := balanceService.Connect(ctx); err != nil {
					logger.Error("Failed to connect to balance service", zap.Error(err))
				}
			}

			// Connect to messaging service (optional)
			if cfg.NATS.Enabled {
				if err := messagingService.Connect(ctx); err != nil {
					logger.Error("Failed to connect to messaging service", zap.Error(err))
					// Don't fail startup if NATS is unavailable
				}
			}

			// Start the watcher; the first handshake must succeed
			if err := watcher.Start(ctx); err != nil {
				logger.Error("Failed to start wallet watcher", zap.Error(err))
				return err
			}

			logger.Info("Wallet Streamer started successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping Wallet Streamer")

			if err := watcher.Stop(ctx); err != nil {
				logger.Error("Error stopping wallet watcher", zap.Error(err))
			}

			if balanceService != nil {
				if err := balanceService.Disconnect(); err != nil {
					logger.Error("Error disconnecting from balance service", zap.Error(err))
				}
			}

			if cfg.NATS.Enabled {
				if err := messagingService.Disconnect(); err != nil {
					logger.Error("Error disconnecting from messaging service", zap.Error(err))
				}
			}

			if db != nil {
				if err := db.Close(ctx); err != nil {
					logger.Error("Error closing database connection", zap.Error(err))
				}
			}

			// Ignore errors on sync as this is expected on some systems
			_ = logger.Sync()

			logger.Info("Wallet Streamer stopped")
			return nil
		},
	})
}
