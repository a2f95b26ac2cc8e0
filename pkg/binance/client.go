package binance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/gregtusar/vaultd/pkg/resilience"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	SpotURL           string
	MarginURL         string
	FuturesURL        string
	RecvWindow        int64
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	CacheTTL          time.Duration
	PriceCacheTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SpotURL:           "https://api.binance.com",
		MarginURL:         "https://api.binance.com",
		FuturesURL:        "https://fapi.binance.com",
		RecvWindow:        60000,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 10,
		CacheTTL:          30 * time.Second,
		PriceCacheTTL:     10 * time.Second,
	}
}

// Metrics receives per-request observations. pkg/metrics implements it.
type Metrics interface {
	ObserveRequest(endpoint, outcome string, d time.Duration)
	ObserveCache(endpoint string, hit bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, time.Duration) {}
func (nopMetrics) ObserveCache(string, bool) {}

// Client issues signed and public GET requests against the spot, margin and
// futures surfaces. Every call is paced, time-bounded, retried and cached.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      *Clock
	retrier    *resilience.Retrier
	cache      resilience.Cache
	metrics    Metrics
	logger     *logrus.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithMetrics(m Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(cfg Config, retrier *resilience.Retrier, cache resilience.Cache, logger *logrus.Logger, opts ...ClientOption) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout + time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		retrier:    retrier,
		cache:      cache,
		metrics:    nopMetrics{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = NewClock(c.ServerTime, logger)
	return c
}

func (c *Client) Clock() *Clock { return c.clock }

// ServerTime fetches the spot surface clock, bypassing cache and retry.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, c.cfg.SpotURL+"/api/v3/time", "", "/api/v3/time")
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return resp.ServerTime, nil
}

// NewSignedRequest builds the query string once; the same bytes are signed and sent.
func (c *Client) NewSignedRequest(ctx context.Context, secret, baseURL, endpoint string, params url.Values) models.SignedRequest {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	ts := c.clock.Now(ctx)
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	query := q.Encode()

	return models.SignedRequest{
		Endpoint:  endpoint,
		BaseURL:   baseURL,
		Query:     query,
		Signature: Sign(secret, query),
		Timestamp: ts,
	}
}

// cacheKey scopes entries to the full key pair so a wrong secret never reads
// a response fetched with the right one.
func cacheKey(apiKey, apiSecret, baseURL, endpoint string, params url.Values) string {
	h := sha256.Sum256([]byte(apiKey + "\x00" + apiSecret))
	return "binance:" + hex.EncodeToString(h[:8]) + ":" + baseURL + endpoint + "?" + params.Encode()
}

// SignedGet returns the raw response body. Each attempt is re-signed with a
// fresh timestamp.
func (c *Client) SignedGet(ctx context.Context, creds Credentials, baseURL, endpoint string, params url.Values) ([]byte, error) {
	key := cacheKey(creds.APIKey, creds.APISecret, baseURL, endpoint, params)
	if body, ok := c.cached(ctx, key, endpoint); ok {
		return body, nil
	}

	body, err := resilience.DoWithData(ctx, c.retrier, func(ctx context.Context) ([]byte, error) {
		req := c.NewSignedRequest(ctx, creds.APISecret, baseURL, endpoint, params)
		return c.get(ctx, req.URL(), creds.APIKey, endpoint)
	})
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Code == apperr.CodeTimestampWindow {
			c.clock.Invalidate()
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"endpoint": endpoint,
			"api_key":  MaskKey(creds.APIKey),
		}).Warn("Signed request failed")
		return nil, err
	}

	c.store(ctx, key, body, c.cfg.CacheTTL)
	return body, nil
}

// PublicGet is an unsigned, cached, retried GET.
func (c *Client) PublicGet(ctx context.Context, endpoint string, params url.Values, ttl time.Duration) ([]byte, error) {
	key := cacheKey("", "", c.cfg.SpotURL, endpoint, params)
	if body, ok := c.cached(ctx, key, endpoint); ok {
		return body, nil
	}

	rawURL := c.cfg.SpotURL + endpoint
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	body, err := resilience.DoWithData(ctx, c.retrier, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, rawURL, "", endpoint)
	})
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, body, ttl)
	return body, nil
}

func (c *Client) cached(ctx context.Context, key, endpoint string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("endpoint", endpoint).Warn("Cache lookup failed")
		return nil, false
	}
	c.metrics.ObserveCache(endpoint, ok)
	return body, ok
}

func (c *Client) store(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if c.cache == nil || ttl <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, body, ttl); err != nil {
		c.logger.WithError(err).Warn("Cache store failed")
	}
}

func (c *Client) get(ctx context.Context, rawURL, apiKey, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	addAuthHeader(req, apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(endpoint, "transport_error", time.Since(start))
		return nil, transportError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveRequest(endpoint, "transport_error", time.Since(start))
		return nil, transportError(endpoint, err)
	}

	c.metrics.ObserveRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseVenueError(resp.StatusCode, body, resp.Header)
	}
	return body, nil
}
