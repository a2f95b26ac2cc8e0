package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/vaultd/api"
	"github.com/gregtusar/vaultd/internal/config"
	"github.com/gregtusar/vaultd/pkg/aggregator"
	"github.com/gregtusar/vaultd/pkg/auth"
	"github.com/gregtusar/vaultd/pkg/binance"
	"github.com/gregtusar/vaultd/pkg/metrics"
	"github.com/gregtusar/vaultd/pkg/portfolio"
	"github.com/gregtusar/vaultd/pkg/pricestream"
	"github.com/gregtusar/vaultd/pkg/resilience"
	"github.com/gregtusar/vaultd/pkg/store"
	"github.com/gregtusar/vaultd/pkg/vault"
	"github.com/sirupsen/logrus"
)

// app holds every long-lived service. Each is constructed once here and
// shared by reference.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Recorder
	cache   resilience.Cache
	client  *binance.Client
	store   store.Store
	stream  *pricestream.Manager
	service *portfolio.Service
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func buildApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	switch cfg.Cache.Backend {
	case "redis":
		a.cache = resilience.NewRedisCache(resilience.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   "vaultd:",
		})
	default:
		a.cache = resilience.NewMemoryCache()
	}

	retrier := resilience.NewRetrier(
		resilience.WithMaxAttempts(cfg.Retry.MaxAttempts),
		resilience.WithInitialDelay(cfg.Retry.InitialDelay),
		resilience.WithBackoffMultiplier(cfg.Retry.BackoffMultiplier),
		resilience.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Retrying venue request")
		}),
	)

	a.client = binance.NewClient(binance.Config{
		SpotURL:           cfg.Binance.SpotURL,
		MarginURL:         cfg.Binance.MarginURL,
		FuturesURL:        cfg.Binance.FuturesURL,
		RecvWindow:        cfg.Binance.RecvWindow,
		RequestTimeout:    cfg.Binance.RequestTimeout,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		CacheTTL:          cfg.Cache.TTL,
		PriceCacheTTL:     cfg.Binance.PriceCacheTTL,
	}, retrier, a.cache, logger, binance.WithMetrics(a.metrics))

	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Path == "" {
		a.store = store.NewMemory()
	} else {
		opts := store.BadgerOptions{Path: cfg.Store.Path}
		if cfg.Store.Encrypt {
			key, err := vault.DeriveKey(cfg.Vault.MasterKey)
			if err != nil {
				return nil, err
			}
			opts.EncryptionKey = key
		}
		st, err := store.OpenBadger(opts)
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	agg := aggregator.New(aggregator.Config{
		Tracked:   cfg.Assets.Tracked,
		Quote:     cfg.Assets.Quote,
		SymbolMap: cfg.Assets.SymbolMap,
	}, a.client, a.client, a.client.Clock(), logger,
		aggregator.WithSnapshotSink(a.store),
		aggregator.WithMetrics(a.metrics),
	)

	dialer := binance.NewStreamDialer(cfg.Binance.StreamURL, logger)
	a.stream = pricestream.NewManager(pricestream.Config{
		Symbols:        cfg.StreamSymbols(),
		MaxReconnects:  cfg.Stream.MaxReconnects,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
	}, pricestream.DialerFunc(func(ctx context.Context, symbols []string) (pricestream.Conn, error) {
		conn, err := dialer.Dial(ctx, symbols)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), logger,
		pricestream.WithSnapshotter(a.client),
		pricestream.WithMetrics(a.metrics),
	)

	limiter := resilience.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	a.service = portfolio.NewService(v, a.store, agg, a.client, limiter, logger)
	return a, nil
}

func (a *app) authenticator() (*auth.Authenticator, error) {
	authn, err := auth.NewAuthenticator(a.cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("auth.jwt_secret: %w", err)
	}
	return authn, nil
}

func (a *app) server(authn *auth.Authenticator) *api.Server {
	return api.NewServer(api.Config{
		Port:         a.cfg.Server.Port,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		CORSOrigin:   a.cfg.Server.CORSOrigin,
		Assets:       a.cfg.Assets.Tracked,
		Quote:        a.cfg.Assets.Quote,
	}, a.service, a.stream, a.client, authn, a.metrics, a.logger)
}

func (a *app) Close() {
	a.service.Stop()
	a.stream.Close()
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close store")
	}
	if c, ok := a.cache.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close cache")
		}
	}
}
