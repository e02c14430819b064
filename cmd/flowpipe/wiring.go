package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpipe/internal/broker"
	"github.com/pitabwire/flowpipe/internal/config"
	"github.com/pitabwire/flowpipe/internal/executor"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/internal/store"
	"github.com/pitabwire/flowpipe/internal/throttle"
)

type runCreator interface {
	CreateRun(ctx context.Context, workflowID string, metaData map[string]any) (string, error)
}

// buildStore opens the run store named by cfg.Driver. The returned closer
// is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store; runs do not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("store: %w", err)
			}
			logger.Info("store migrations applied")
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// brokerConn is the publishing and consuming side of one broker. consumer
// is nil when the process does not consume.
type brokerConn struct {
	publisher broker.Publisher
	consumer  broker.Consumer
	close     func()
}

// buildBroker connects the broker named by cfg.Driver. A consumer group
// member is only created when consume is set.
func buildBroker(cfg config.BrokerConfig, consume bool) (brokerConn, error) {
	switch cfg.Driver {
	case "memory":
		b := broker.NewMemoryBroker(cfg.Partitions)
		conn := brokerConn{publisher: b, close: func() { _ = b.Close() }}
		if consume {
			conn.consumer = b
		}
		return conn, nil
	case "kafka":
		kc := broker.KafkaConfig{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			GroupID:      cfg.GroupID,
			BatchTimeout: cfg.BatchTimeout,
		}
		pub := broker.NewKafkaPublisher(kc)
		if !consume {
			return brokerConn{publisher: pub, close: func() { _ = pub.Close() }}, nil
		}
		con := broker.NewKafkaConsumer(kc)
		return brokerConn{
			publisher: pub,
			consumer:  con,
			close: func() {
				_ = errors.Join(con.Close(), pub.Close())
			},
		}, nil
	default:
		return brokerConn{}, fmt.Errorf("unsupported broker driver: %q", cfg.Driver)
	}
}

// buildThrottle creates the per-platform limiter. The returned closer is
// never nil.
func buildThrottle(cfg config.ThrottleConfig) (*throttle.Limiter, func(), error) {
	rates := make(map[string]throttle.Rate, len(cfg.Rates))
	for kind, r := range cfg.Rates {
		rates[kind] = throttle.Rate{Limit: r.Limit, Window: r.Window}
	}

	switch cfg.Driver {
	case "memory":
		return throttle.NewMemoryLimiter(rates), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("throttle: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return throttle.NewRedisLimiter(client, cfg.Prefix, rates), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported throttle driver: %q", cfg.Driver)
	}
}

// buildExecutors registers every action kind with breakers keyed per
// credential.
func buildExecutors(cfg config.ExecutorsConfig, cb config.CircuitBreakerConfig) *executor.Registry {
	registry := executor.NewRegistry(executor.BreakerSettings{
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		Cooldown:         cb.Timeout,
	})

	registry.Register(executor.EmailExecutor{
		API: executor.ResendAPI{BaseURL: cfg.Email.BaseURL},
	}, cfg.Email.Timeout)
	registry.Register(executor.GmailExecutor{
		Sender: executor.GoMailSender{Host: cfg.Gmail.Host, Port: cfg.Gmail.Port},
	}, cfg.Gmail.Timeout)
	registry.Register(executor.TelegramExecutor{
		Client: executor.NewTelegramClient(cfg.Telegram.BaseURL, nil),
	}, cfg.Telegram.Timeout)
	registry.Register(executor.GeminiExecutor{
		Generator:    executor.GenAIGenerator{BaseURL: cfg.Gemini.BaseURL},
		DefaultModel: cfg.Gemini.Model,
	}, cfg.Gemini.Timeout)
	registry.Register(executor.SolanaExecutor{
		Transferer: executor.RPCTransferer{Endpoint: cfg.Solana.RPCURL, PollInterval: cfg.Solana.PollInterval},
	}, cfg.Solana.Timeout)

	return registry
}

// breakerGauge maps a breaker state onto the exported gauge value.
var breakerGauge = map[executor.BreakerState]float64{
	executor.BreakerClosed:   0,
	executor.BreakerHalfOpen: 1,
	executor.BreakerOpen:     2,
}

// reportBreakerStates periodically exports the worst breaker state per kind
// until ctx ends.
func reportBreakerStates(ctx context.Context, registry *executor.Registry, metrics *observability.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, kind := range registry.Kinds() {
			if state, ok := registry.BreakerState(kind); ok {
				metrics.SetExecutorBreakerState(string(kind), breakerGauge[state])
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
