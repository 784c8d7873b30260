package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/notify"
	natsprovider "github.com/migueldesapazr-gif/sessionguard/notify/nats"
	"github.com/migueldesapazr-gif/sessionguard/stores/memory"
	"github.com/migueldesapazr-gif/sessionguard/stores/postgres"
)

func newLogger(cfg serverConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

// buildService opens the configured backends and constructs the service.
// The returned close func releases every backend that was opened.
func buildService(ctx context.Context, cfg serverConfig, logger *zap.Logger) (*sessionguard.Service, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	env, err := sessionguard.LoadEnvConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load environment: %w", err)
	}
	opts, err := env.Options()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, sessionguard.WithLogger(logger))

	if cfg.DatabaseURL != "" {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		opts = append(opts, postgres.WithDatabase(pool))
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		opts = append(opts, sessionguard.WithStore(memory.New()))
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts, sessionguard.WithRedis(client))
	}

	if cfg.NATSURL != "" {
		subjects := map[notify.Channel]string{
			notify.ChannelEmail: cfg.NATSEmailSubject,
			notify.ChannelPush:  cfg.NATSPushSubject,
		}
		for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelPush} {
			subject := subjects[ch]
			if subject == "" {
				continue
			}
			p, err := natsprovider.Connect(cfg.NATSURL, subject, ch)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("connect nats: %w", err)
			}
			closers = append(closers, p.Close)
			opts = append(opts, sessionguard.WithNotificationProvider(p))
		}
	}

	svc, err := sessionguard.New(opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return svc, closeAll, nil
}
