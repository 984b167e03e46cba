package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/settlement-service/internal/domain"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"PORT", "SERVER_PORT", "OBSERVER_MODE", "POLL_INTERVAL_SECONDS", "RECONCILE_MAX_ATTEMPTS",
		"RECONCILE_SWEEP_SCHEDULE", "REQUIRED_CONFIRMATIONS", "CHAIN_RPC_URLS", "CORS_ALLOWED_ORIGINS",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.ObserverMode != ObserverModeRPC {
		t.Fatalf("expected rpc observer mode, got %q", cfg.ObserverMode)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", cfg.PollInterval())
	}
	if cfg.ReconcileMaxAttempts != 3 {
		t.Fatalf("expected 3 reconcile attempts, got %d", cfg.ReconcileMaxAttempts)
	}
	if cfg.ReconcileSweepSchedule != "*/10 * * * *" {
		t.Fatalf("unexpected sweep schedule %q", cfg.ReconcileSweepSchedule)
	}
	if len(cfg.RPCEndpoints) != 0 || len(cfg.ConfirmationOverride) != 0 {
		t.Fatalf("expected empty chain maps, got %v / %v", cfg.RPCEndpoints, cfg.ConfirmationOverride)
	}
	if origins := cfg.AllowedOrigins(); len(origins) != 1 || origins[0] != "*" {
		t.Fatalf("expected wildcard origin, got %v", origins)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "SETTLEMENT_SERVICE_INTERNAL_API_KEY", " alias-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "OBSERVER_MODE", "carrier-pigeon")
	setEnvWithCleanup(t, "POLL_INTERVAL_SECONDS", "0")
	setEnvWithCleanup(t, "RECONCILE_MAX_ATTEMPTS", "50")
	setEnvWithCleanup(t, "RECONCILE_SWEEP_LIMIT", "-1")
	setEnvWithCleanup(t, "REDIS_LOCK_PREFIX", "   ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ObserverMode != ObserverModeRPC {
		t.Fatalf("expected rpc fallback, got %q", cfg.ObserverMode)
	}
	if cfg.PollIntervalSeconds != 5 {
		t.Fatalf("expected poll interval reset to 5, got %d", cfg.PollIntervalSeconds)
	}
	if cfg.ReconcileMaxAttempts != 10 {
		t.Fatalf("expected attempts capped at 10, got %d", cfg.ReconcileMaxAttempts)
	}
	if cfg.ReconcileSweepLimit != 200 {
		t.Fatalf("expected sweep limit reset to 200, got %d", cfg.ReconcileSweepLimit)
	}
	if cfg.RedisLockPrefix != "settlement:invoice_lock" {
		t.Fatalf("expected default lock prefix, got %q", cfg.RedisLockPrefix)
	}
}

func TestLoadConfig_ParsesChainMaps(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "REQUIRED_CONFIRMATIONS", "eth=3, polygon=abc, solana=4, base")
	setEnvWithCleanup(t, "CHAIN_RPC_URLS", "ethereum=https://rpc.example/eth,BSC=https://rpc.example/bsc,arb=")
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if len(cfg.ConfirmationOverride) != 1 || cfg.ConfirmationOverride[domain.ChainEthereum] != 3 {
		t.Fatalf("unexpected confirmation overrides: %v", cfg.ConfirmationOverride)
	}
	params := cfg.ChainParams()
	if params[domain.ChainEthereum].RequiredConfirmations != 3 {
		t.Fatalf("expected ethereum override of 3, got %d", params[domain.ChainEthereum].RequiredConfirmations)
	}
	if params[domain.ChainPolygon].RequiredConfirmations != 64 {
		t.Fatalf("expected polygon default of 64, got %d", params[domain.ChainPolygon].RequiredConfirmations)
	}

	if len(cfg.RPCEndpoints) != 2 {
		t.Fatalf("expected 2 rpc endpoints, got %v", cfg.RPCEndpoints)
	}
	if cfg.RPCEndpoints[domain.ChainBSC] != "https://rpc.example/bsc" {
		t.Fatalf("unexpected bsc endpoint %q", cfg.RPCEndpoints[domain.ChainBSC])
	}

	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
