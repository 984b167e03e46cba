/**
 * @description
 * This package handles the configuration management for the settlement-service. It
 * uses Viper to read configuration from environment variables and an optional .env
 * file, then coerces invalid values back to safe defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: Application configuration.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/settlement-service/internal/domain"
)

const (
	ObserverModeRPC       = "rpc"
	ObserverModeSimulated = "simulated"

	defaultPollIntervalSeconds         = 5
	defaultObserveTimeoutSeconds       = 10
	defaultReconcileMaxAttempts        = 3
	defaultReconcileRetryBackoffMs     = 150
	defaultReconcileLockTimeoutSeconds = 10
	defaultReconcileSweepSchedule      = "*/10 * * * *"
	defaultReconcileSweepLimit         = 200
	defaultRedisLockPrefix             = "settlement:invoice_lock"
)

// Config holds all the configuration variables for the settlement-service.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisLockPrefix             string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
	PaymentEventQueue           string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	MerchantJWTSecret           string `mapstructure:"MERCHANT_JWT_SECRET"`
	CORSAllowedOrigins          string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ObserverMode                string `mapstructure:"OBSERVER_MODE"`
	ChainRPCURLs                string `mapstructure:"CHAIN_RPC_URLS"`
	RequiredConfirmations       string `mapstructure:"REQUIRED_CONFIRMATIONS"`
	PollIntervalSeconds         int    `mapstructure:"POLL_INTERVAL_SECONDS"`
	ObserveTimeoutSeconds       int    `mapstructure:"OBSERVE_TIMEOUT_SECONDS"`
	ReconcileMaxAttempts        int    `mapstructure:"RECONCILE_MAX_ATTEMPTS"`
	ReconcileRetryBackoffMs     int    `mapstructure:"RECONCILE_RETRY_BACKOFF_MS"`
	ReconcileLockTimeoutSeconds int    `mapstructure:"RECONCILE_LOCK_TIMEOUT_SECONDS"`
	ReconcileSweepSchedule      string `mapstructure:"RECONCILE_SWEEP_SCHEDULE"`
	ReconcileSweepLimit         int    `mapstructure:"RECONCILE_SWEEP_LIMIT"`

	// Parsed from ChainRPCURLs and RequiredConfirmations.
	RPCEndpoints         map[domain.Chain]string `mapstructure:"-"`
	ConfirmationOverride map[domain.Chain]int    `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_URL", "sqlite://settlement.db")
	viper.SetDefault("REDIS_LOCK_PREFIX", defaultRedisLockPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "settlement_events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "settlement_service.payment_status")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("OBSERVER_MODE", ObserverModeRPC)
	viper.SetDefault("POLL_INTERVAL_SECONDS", defaultPollIntervalSeconds)
	viper.SetDefault("OBSERVE_TIMEOUT_SECONDS", defaultObserveTimeoutSeconds)
	viper.SetDefault("RECONCILE_MAX_ATTEMPTS", defaultReconcileMaxAttempts)
	viper.SetDefault("RECONCILE_RETRY_BACKOFF_MS", defaultReconcileRetryBackoffMs)
	viper.SetDefault("RECONCILE_LOCK_TIMEOUT_SECONDS", defaultReconcileLockTimeoutSeconds)
	viper.SetDefault("RECONCILE_SWEEP_SCHEDULE", defaultReconcileSweepSchedule)
	viper.SetDefault("RECONCILE_SWEEP_LIMIT", defaultReconcileSweepLimit)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MERCHANT_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("OBSERVER_MODE")
	_ = viper.BindEnv("CHAIN_RPC_URLS")
	_ = viper.BindEnv("REQUIRED_CONFIRMATIONS")
	_ = viper.BindEnv("POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("OBSERVE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RECONCILE_MAX_ATTEMPTS")
	_ = viper.BindEnv("RECONCILE_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("RECONCILE_LOCK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RECONCILE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SWEEP_LIMIT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = defaultRedisLockPrefix
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.MerchantJWTSecret = strings.TrimSpace(config.MerchantJWTSecret)

	config.ObserverMode = strings.ToLower(strings.TrimSpace(config.ObserverMode))
	if config.ObserverMode != ObserverModeRPC && config.ObserverMode != ObserverModeSimulated {
		log.Printf("level=warn component=config msg=\"unknown OBSERVER_MODE; using rpc\" value=%q", config.ObserverMode)
		config.ObserverMode = ObserverModeRPC
	}

	if config.PollIntervalSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive poll interval; using default\" value=%d", config.PollIntervalSeconds)
		config.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if config.ObserveTimeoutSeconds <= 0 {
		config.ObserveTimeoutSeconds = defaultObserveTimeoutSeconds
	}
	if config.ReconcileMaxAttempts <= 0 {
		config.ReconcileMaxAttempts = defaultReconcileMaxAttempts
	}
	if config.ReconcileMaxAttempts > 10 {
		log.Printf("level=warn component=config msg=\"reconcile attempts too high; capping at 10\" value=%d", config.ReconcileMaxAttempts)
		config.ReconcileMaxAttempts = 10
	}
	if config.ReconcileRetryBackoffMs < 0 {
		config.ReconcileRetryBackoffMs = defaultReconcileRetryBackoffMs
	}
	if config.ReconcileLockTimeoutSeconds <= 0 {
		config.ReconcileLockTimeoutSeconds = defaultReconcileLockTimeoutSeconds
	}
	if strings.TrimSpace(config.ReconcileSweepSchedule) == "" {
		config.ReconcileSweepSchedule = defaultReconcileSweepSchedule
	}
	if config.ReconcileSweepLimit <= 0 {
		config.ReconcileSweepLimit = defaultReconcileSweepLimit
	}

	config.RPCEndpoints = parseChainMap("CHAIN_RPC_URLS", config.ChainRPCURLs, func(value string) (string, bool) {
		return value, value != ""
	})
	config.ConfirmationOverride = parseChainMap("REQUIRED_CONFIRMATIONS", config.RequiredConfirmations, func(value string) (int, bool) {
		n, parseErr := strconv.Atoi(value)
		return n, parseErr == nil && n > 0
	})

	return
}

// PollInterval is the delay between two observations of one transaction.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) ObserveTimeout() time.Duration {
	return time.Duration(c.ObserveTimeoutSeconds) * time.Second
}

func (c Config) ReconcileRetryBackoff() time.Duration {
	return time.Duration(c.ReconcileRetryBackoffMs) * time.Millisecond
}

func (c Config) ReconcileLockTimeout() time.Duration {
	return time.Duration(c.ReconcileLockTimeoutSeconds) * time.Second
}

// ChainParams returns the built-in chain settings with REQUIRED_CONFIRMATIONS applied.
func (c Config) ChainParams() map[domain.Chain]domain.ChainParams {
	params := domain.DefaultChainParams()
	for chain, required := range c.ConfirmationOverride {
		p := params[chain]
		p.RequiredConfirmations = required
		params[chain] = p
	}
	return params
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = append(origins, "*")
	}
	return origins
}

// parseChainMap reads "chain=value,chain=value". Unknown chains and values
// rejected by parse are logged and skipped.
func parseChainMap[V any](key, raw string, parse func(string) (V, bool)) map[domain.Chain]V {
	out := make(map[domain.Chain]V)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found {
			log.Printf("level=warn component=config msg=\"malformed chain entry; expected chain=value\" key=%s entry=%q", key, pair)
			continue
		}
		chain, ok := domain.ParseChain(name)
		if !ok {
			log.Printf("level=warn component=config msg=\"unknown chain; skipping\" key=%s chain=%q", key, name)
			continue
		}
		parsed, ok := parse(strings.TrimSpace(value))
		if !ok {
			log.Printf("level=warn component=config msg=\"invalid chain value; skipping\" key=%s chain=%s value=%q", key, chain, value)
			continue
		}
		out[chain] = parsed
	}
	return out
}
