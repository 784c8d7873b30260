package main

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// serverConfig holds process settings that sit outside the service Config.
type serverConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=15s"`
	AllowedOrigins  []string      `env:"HTTP_ALLOWED_ORIGINS"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	NATSURL          string `env:"NATS_URL"`
	NATSEmailSubject string `env:"NATS_ALERT_EMAIL_SUBJECT"`
	NATSPushSubject  string `env:"NATS_ALERT_PUSH_SUBJECT"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME,default=sessionguard"`

	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT,default=false"`
}

func loadServerConfig(ctx context.Context) (serverConfig, error) {
	var cfg serverConfig
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.OsLookuper(),
	})
	return cfg, err
}
