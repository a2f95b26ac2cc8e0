package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/vaultd/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Vault     VaultConfig     `mapstructure:"vault"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Store     StoreConfig     `mapstructure:"store"`
	History   HistoryConfig   `mapstructure:"history"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigin   string        `mapstructure:"cors_origin"`
}

type BinanceConfig struct {
	SpotURL           string        `mapstructure:"spot_url"`
	MarginURL         string        `mapstructure:"margin_url"`
	FuturesURL        string        `mapstructure:"futures_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	RecvWindow        int64         `mapstructure:"recv_window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PriceCacheTTL     time.Duration `mapstructure:"price_cache_ttl"`
}

type VaultConfig struct {
	// MasterKey is either 64 hex characters or a passphrase.
	MasterKey string `mapstructure:"master_key"`
	GCPSecret string `mapstructure:"gcp_secret"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type AssetsConfig struct {
	Tracked   []string          `mapstructure:"tracked"`
	Quote     string            `mapstructure:"quote"`
	SymbolMap map[string]string `mapstructure:"symbol_map"`
}

type StreamConfig struct {
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type StoreConfig struct {
	Path    string `mapstructure:"path"`
	Encrypt bool   `mapstructure:"encrypt"`
}

// HistoryConfig sets how often every stored owner is snapshotted. Zero
// disables the recorder; on-demand account reads are still recorded.
type HistoryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	// GCPSecret names a Secret Manager secret that overrides JWTSecret when
	// it can be read.
	GCPSecret string        `mapstructure:"gcp_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// Load reads defaults, then the config file, then a .env file and VAULTD_*
// environment variables, in increasing precedence. Secrets held in GCP are
// fetched afterwards by LoadSecrets.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vaultd")
	}

	v.SetEnvPrefix("VAULTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("binance.spot_url", "https://api.binance.com")
	v.SetDefault("binance.margin_url", "https://api.binance.com")
	v.SetDefault("binance.futures_url", "https://fapi.binance.com")
	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.recv_window", 60000)
	v.SetDefault("binance.request_timeout", "10s")
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.price_cache_ttl", "10s")

	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("vault.master_key", "")
	v.SetDefault("vault.gcp_secret", "")

	v.SetDefault("ratelimit.limit", 3)
	v.SetDefault("ratelimit.window", "60s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.backoff_multiplier", 2)

	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("assets.tracked", []string{"BTC", "SOL", "AAVE", "USDT"})
	v.SetDefault("assets.quote", "USDT")

	v.SetDefault("stream.max_reconnects", 5)
	v.SetDefault("stream.reconnect_delay", "1s")

	v.SetDefault("store.path", "./data/vault")
	v.SetDefault("store.encrypt", false)

	v.SetDefault("history.interval", "10m")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.gcp_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Assets.Tracked) == 0 {
		errs = append(errs, errors.New("assets.tracked must list at least one asset"))
	}
	if c.Assets.Quote == "" {
		errs = append(errs, errors.New("assets.quote is required"))
	}
	if c.Vault.MasterKey == "" && c.Vault.GCPSecret == "" {
		errs = append(errs, errors.New("vault.master_key (or vault.gcp_secret) is required"))
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.limit and ratelimit.window must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Binance.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("binance.requests_per_second must be positive"))
	}
	if c.Stream.MaxReconnects <= 0 {
		errs = append(errs, errors.New("stream.max_reconnects must be positive"))
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	return errors.Join(errs...)
}

// StreamSymbols pairs every tracked asset except the quote with the quote.
func (c *Config) StreamSymbols() []string {
	quote := strings.ToUpper(c.Assets.Quote)
	var out []string
	for _, asset := range c.Assets.Tracked {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" || asset == quote {
			continue
		}
		out = append(out, asset+quote)
	}
	return out
}

// SecretSource is satisfied by *secrets.GCPSecretManager.
type SecretSource interface {
	secrets.Source
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

// NeedsSecrets reports whether LoadSecrets has anything to fetch.
func (c *Config) NeedsSecrets() bool {
	return (c.Vault.MasterKey == "" && c.Vault.GCPSecret != "") || c.Auth.GCPSecret != ""
}

// LoadSecrets fills the vault master key and the JWT secret from src. The
// master key must resolve; the JWT secret keeps its configured value when
// the lookup fails.
func (c *Config) LoadSecrets(ctx context.Context, src SecretSource, logger *logrus.Logger) error {
	if c.Vault.MasterKey == "" && c.Vault.GCPSecret != "" {
		key, err := secrets.MasterKey(ctx, src, c.Vault.GCPSecret)
		if err != nil {
			return fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		c.Vault.MasterKey = key
		logger.Info("Loaded vault master key from GCP Secret Manager")
	}

	if c.Auth.GCPSecret != "" {
		c.Auth.JWTSecret = src.GetSecretWithDefault(ctx, c.Auth.GCPSecret, c.Auth.JWTSecret)
		logger.WithField("secret", c.Auth.GCPSecret).Debug("Resolved JWT secret")
	}
	return nil
}
