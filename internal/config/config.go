package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Shared secret expected in X-Provider-Secret on status callbacks.
	ProviderWebhookSecret string `envconfig:"PROVIDER_WEBHOOK_SECRET" required:"true"`

	// Base URL used when building tracking pixel / click links.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
}

type EngineConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Shared secret sent as X-Notifyd-Secret on outbound webhook deliveries.
	ProviderWebhookSecret string `envconfig:"PROVIDER_WEBHOOK_SECRET" required:"true"`

	ProcessorIntervalSeconds int `envconfig:"PROCESSOR_INTERVAL_SECONDS" default:"10"`
	ProcessorBatchSize       int `envconfig:"PROCESSOR_BATCH_SIZE" default:"25"`
	RetryIntervalSeconds     int `envconfig:"RETRY_INTERVAL_SECONDS" default:"60"`
	RetryBatchSize           int `envconfig:"RETRY_BATCH_SIZE" default:"100"`

	// Per-channel provider protection.
	ProviderTimeoutSeconds int     `envconfig:"PROVIDER_TIMEOUT_SECONDS" default:"8"`
	ProviderRPS            float64 `envconfig:"PROVIDER_RPS" default:"5"`
	ProviderBurst          int     `envconfig:"PROVIDER_BURST" default:"10"`
	BreakerFailures        uint32  `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	BreakerTimeoutSeconds  int     `envconfig:"BREAKER_TIMEOUT_SECONDS" default:"20"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
