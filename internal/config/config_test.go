package config

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "vault:\n  master_key: correct-horse-battery-staple\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://fapi.binance.com", cfg.Binance.FuturesURL)
	assert.Equal(t, int64(60000), cfg.Binance.RecvWindow)
	assert.Equal(t, 10*time.Second, cfg.Binance.RequestTimeout)
	assert.Equal(t, 3, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, []string{"BTC", "SOL", "AAVE", "USDT"}, cfg.Assets.Tracked)
	assert.Equal(t, 5, cfg.Stream.MaxReconnects)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT", "AAVEUSDT"}, cfg.StreamSymbols())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
vault:
  master_key: from-file
assets:
  tracked: [BTC, ETH]
  symbol_map:
    XBT: BTC
`)
	t.Setenv("VAULTD_SERVER_PORT", "7070")
	t.Setenv("VAULTD_CACHE_TTL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Assets.Tracked)
	// viper lower-cases map keys; the asset table upper-cases them again.
	assert.Equal(t, "BTC", cfg.Assets.SymbolMap["xbt"])
}

func TestLoadDefersGCPMasterKey(t *testing.T) {
	path := writeConfig(t, "vault:\n  gcp_secret: vault-key\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Vault.MasterKey)
	assert.True(t, cfg.NeedsSecrets())
}

func TestLoadRequiresMasterKey(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Vault:     VaultConfig{MasterKey: "k"},
			Assets:    AssetsConfig{Tracked: []string{"BTC"}, Quote: "USDT"},
			RateLimit: RateLimitConfig{Limit: 3, Window: time.Minute},
			Retry:     RetryConfig{MaxAttempts: 3},
			Binance:   BinanceConfig{RequestsPerSecond: 10},
			Stream:    StreamConfig{MaxReconnects: 5},
			Cache:     CacheConfig{Backend: "memory"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no tracked assets", func(c *Config) { c.Assets.Tracked = nil }, false},
		{"zero rate limit", func(c *Config) { c.RateLimit.Limit = 0 }, false},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, false},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, false},
		{"redis backend", func(c *Config) { c.Cache.Backend = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMasterKeyFromEnv(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	t.Setenv("VAULTD_VAULT_MASTER_KEY", "from-env")
	t.Setenv("VAULTD_AUTH_JWT_SECRET", "0123456789abcdef")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Vault.MasterKey)
	assert.Equal(t, "0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func (f fakeSecrets) GetSecretWithDefault(ctx context.Context, name, defaultValue string) string {
	v, err := f.GetSecret(ctx, name)
	if err != nil {
		return defaultValue
	}
	return v
}

func TestLoadSecrets(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	src := fakeSecrets{"vault-key": "passphrase\n", "jwt": "0123456789abcdef0123456789abcdef"}

	t.Run("master key and jwt secret", func(t *testing.T) {
		cfg := &Config{
			Vault: VaultConfig{GCPSecret: "vault-key"},
			Auth:  AuthConfig{JWTSecret: "local", GCPSecret: "jwt"},
		}
		require.True(t, cfg.NeedsSecrets())
		require.NoError(t, cfg.LoadSecrets(context.Background(), src, logger))
		assert.Equal(t, "passphrase", cfg.Vault.MasterKey)
		assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	})

	t.Run("missing jwt secret keeps configured value", func(t *testing.T) {
		cfg := &Config{
			Vault: VaultConfig{MasterKey: "local-key"},
			Auth:  AuthConfig{JWTSecret: "local", GCPSecret: "absent"},
		}
		require.NoError(t, cfg.LoadSecrets(context.Background(), src, logger))
		assert.Equal(t, "local-key", cfg.Vault.MasterKey)
		assert.Equal(t, "local", cfg.Auth.JWTSecret)
	})

	t.Run("missing master key fails", func(t *testing.T) {
		cfg := &Config{Vault: VaultConfig{GCPSecret: "absent"}}
		assert.Error(t, cfg.LoadSecrets(context.Background(), src, logger))
	})

	t.Run("nothing to fetch", func(t *testing.T) {
		cfg := &Config{Vault: VaultConfig{MasterKey: "k", GCPSecret: "vault-key"}}
		assert.False(t, cfg.NeedsSecrets())
	})
}
