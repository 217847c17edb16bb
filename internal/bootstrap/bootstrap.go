// Package bootstrap builds the infrastructure shared by the API and worker
// services from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/config"
	"github.com/cuongbtq/automation-scheduler/internal/crypto"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"github.com/cuongbtq/automation-scheduler/internal/queue/brokerqueue"
	"github.com/cuongbtq/automation-scheduler/internal/queue/redisqueue"
	"github.com/cuongbtq/automation-scheduler/shared/logger"
	"github.com/cuongbtq/automation-scheduler/shared/postgresql"
	"github.com/cuongbtq/automation-scheduler/shared/rabbitmq"
	"github.com/cuongbtq/automation-scheduler/shared/redis"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// QueueBackend is an opened job queue together with the clients it owns
type QueueBackend struct {
	Queue        queue.Queue
	HealthChecks map[string]HealthCheck

	// Recover runs stale-lease recovery until ctx is done. Nil when the
	// driver recovers leases during Claim.
	Recover func(ctx context.Context)

	closers []func() error
}

// Close releases every client opened for the queue
func (b *QueueBackend) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitCipher builds the credential cipher. A missing or malformed key is fatal.
func InitCipher(cfg *config.Config) (*crypto.Cipher, error) {
	cipher, err := crypto.NewCipher(cfg.EncryptionKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.EnvEncryptionKey, err)
	}
	return cipher, nil
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		QueueName:         cfg.Queue.Name,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}, logger)
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Address:      cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// OpenQueue connects the configured queue driver. db is required by the
// broker driver and ignored by the redis driver; it stays owned by the caller.
func OpenQueue(ctx context.Context, cfg *config.Config, workerID string, db *postgresql.Client, logger *slog.Logger) (*QueueBackend, error) {
	switch cfg.Queue.Driver {
	case config.DriverRedis, "":
		return openRedisQueue(cfg, workerID, logger)
	case config.DriverBroker:
		return openBrokerQueue(ctx, cfg, workerID, db, logger)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func openRedisQueue(cfg *config.Config, workerID string, logger *slog.Logger) (*QueueBackend, error) {
	client, err := InitRedis(&cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	q := redisqueue.New(client.GetClient(), redisqueue.Config{
		KeyPrefix:     cfg.Queue.KeyPrefix,
		WorkerID:      workerID,
		LeaseDuration: cfg.Queue.LeaseDuration,
		PollInterval:  cfg.Queue.PollInterval,
	}, logger)

	return &QueueBackend{
		Queue: q,
		HealthChecks: map[string]HealthCheck{
			"redis": client.HealthCheck,
		},
		closers: []func() error{client.Close, q.Close},
	}, nil
}

func openBrokerQueue(ctx context.Context, cfg *config.Config, workerID string, db *postgresql.Client, logger *slog.Logger) (*QueueBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("queue driver %q requires a database client", config.DriverBroker)
	}

	store := brokerqueue.NewStore(db.GetDB(), logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	rabbitClient, err := InitRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		return nil, err
	}

	q := brokerqueue.New(store, rabbitClient, brokerqueue.Config{
		WorkerID:       workerID,
		LeaseDuration:  cfg.Queue.LeaseDuration,
		Prefetch:       cfg.BrokerPrefetch(),
		RepublishAfter: cfg.Queue.RepublishAfter,
	}, logger)

	interval := cfg.Queue.RecoveryInterval
	return &QueueBackend{
		Queue: q,
		HealthChecks: map[string]HealthCheck{
			"rabbitmq": func(context.Context) error { return rabbitClient.HealthCheck() },
		},
		Recover: func(ctx context.Context) { q.RunRecovery(ctx, interval) },
		closers: []func() error{rabbitClient.Close, q.Close},
	}, nil
}
