package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/resilience"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{
	APIKey:    strings.Repeat("k", 64),
	APISecret: strings.Repeat("s", 64),
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SpotURL = srv.URL
	cfg.MarginURL = srv.URL
	cfg.FuturesURL = srv.URL
	cfg.RequestsPerSecond = 1000
	cfg.RequestTimeout = 2 * time.Second

	retrier := resilience.NewRetrier(resilience.WithInitialDelay(time.Millisecond))
	return NewClient(cfg, retrier, resilience.NewMemoryCache(), testLogger(), WithHTTPClient(srv.Client()))
}

func writeServerTime(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]int64{"serverTime": time.Now().UnixMilli()})
}

func TestSign(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", Sign(secret, query))
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		code  string
	}{
		{"valid", testCreds, ""},
		{"short key", Credentials{APIKey: "abc", APISecret: testCreds.APISecret}, apperr.CodeInvalidAPIKey},
		{"symbol in key", Credentials{APIKey: strings.Repeat("a", 63) + "!", APISecret: testCreds.APISecret}, apperr.CodeInvalidAPIKey},
		{"missing secret", Credentials{APIKey: testCreds.APIKey}, apperr.CodeInvalidAPISecret},
		{"short secret", Credentials{APIKey: testCreds.APIKey, APISecret: "xyz"}, apperr.CodeInvalidAPISecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestCredentialsStringMasksKey(t *testing.T) {
	s := testCreds.String()
	assert.NotContains(t, s, testCreds.APIKey)
	assert.NotContains(t, s, testCreds.APISecret)
	assert.Contains(t, s, "kkkk****")
}

func TestSignedGetSignsExactQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			writeServerTime(w)
		case "/api/v3/account":
			assert.Equal(t, testCreds.APIKey, r.Header.Get("X-MBX-APIKEY"))

			raw := r.URL.RawQuery
			idx := strings.Index(raw, "&signature=")
			require.Greater(t, idx, 0)
			signed, sig := raw[:idx], raw[idx+len("&signature="):]
			assert.Equal(t, Sign(testCreds.APISecret, signed), sig)

			q, err := url.ParseQuery(signed)
			require.NoError(t, err)
			assert.Equal(t, "60000", q.Get("recvWindow"))
			assert.NotEmpty(t, q.Get("timestamp"))
			w.Write([]byte(`{"canTrade":true,"balances":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	acct, err := c.SpotAccount(context.Background(), testCreds)
	require.NoError(t, err)
	assert.True(t, acct.CanTrade)
	assert.NotNil(t, acct.Balances)
}

func TestNewSignedRequestUsesOffset(t *testing.T) {
	c := NewClient(DefaultConfig(), resilience.NewRetrier(), nil, testLogger())
	c.clock.fetch = func(context.Context) (int64, error) {
		return time.Now().Add(10 * time.Second).UnixMilli(), nil
	}

	req := c.NewSignedRequest(context.Background(), testCreds.APISecret, "https://example.test", "/api/v3/account", nil)
	skew := req.Timestamp - time.Now().UnixMilli()
	assert.InDelta(t, 10000, skew, 1000)
	assert.Contains(t, req.URL(), "https://example.test/api/v3/account?")
	assert.True(t, strings.HasSuffix(req.URL(), "&signature="+req.Signature))
	assert.Equal(t, Sign(testCreds.APISecret, req.Query), req.Signature)
}

func TestSignedGetCachesResponses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			writeServerTime(w)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"BTC","free":"1.5","locked":"0"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	for i := 0; i < 3; i++ {
		acct, err := c.SpotAccount(context.Background(), testCreds)
		require.NoError(t, err)
		require.Len(t, acct.Balances, 1)
		assert.Equal(t, "1.5", acct.Balances[0].Free.String())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSignedGetCacheIsScopedToSecret(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			writeServerTime(w)
			return
		}
		atomic.AddInt32(&calls, 1)
		raw := r.URL.RawQuery
		idx := strings.Index(raw, "&signature=")
		if idx < 0 || Sign(testCreds.APISecret, raw[:idx]) != raw[idx+len("&signature="):] {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
			return
		}
		w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"BTC","free":"1.5","locked":"0"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SpotAccount(context.Background(), testCreds)
	require.NoError(t, err)

	wrong := Credentials{APIKey: testCreds.APIKey, APISecret: strings.Repeat("x", 64)}
	_, err = c.SpotAccount(context.Background(), wrong)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidSignature, e.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, err = c.SpotAccount(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSignedGetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			writeServerTime(w)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"canTrade":false,"balances":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SpotAccount(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSignedGetTimestampErrorInvalidatesClock(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			writeServerTime(w)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SpotAccount(context.Background(), testCreds)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTimestampWindow, e.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "signature errors are terminal")

	c.clock.mu.Lock()
	synced := c.clock.synced
	c.clock.mu.Unlock()
	assert.False(t, synced)
}

func TestParseVenueError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
		code   string
	}{
		{"invalid key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, apperr.KindAuth, apperr.CodeInvalidAPIKey},
		{"unauthorized", 401, `{"code":-2014,"msg":"API-key format invalid."}`, apperr.KindAuth, apperr.CodeUnauthorized},
		{"bad signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, apperr.KindSignature, apperr.CodeInvalidSignature},
		{"timestamp", 400, `{"code":-1021,"msg":"Timestamp outside"}`, apperr.KindSignature, apperr.CodeTimestampWindow},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, apperr.KindRateLimit, apperr.CodeRateLimited},
		{"banned", 418, ``, apperr.KindRateLimit, apperr.CodeRateLimited},
		{"forbidden", 403, `<html>WAF</html>`, apperr.KindAuth, apperr.CodeUnauthorized},
		{"server error", 503, ``, apperr.KindVenue, apperr.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseVenueError(tt.status, []byte(tt.body), http.Header{})
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	t.Run("server errors are retryable", func(t *testing.T) {
		assert.True(t, apperr.Retryable(parseVenueError(502, nil, http.Header{})))
		assert.False(t, apperr.Retryable(parseVenueError(400, []byte(`{"code":-1022}`), http.Header{})))
	})

	t.Run("retry after header", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "7")
		e, _ := apperr.As(parseVenueError(429, nil, h))
		assert.Equal(t, 7*time.Second, e.RetryAfter)
	})
}

func TestTransportError(t *testing.T) {
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(transportError("/x", context.DeadlineExceeded)))
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(transportError("/x", errors.New("connection refused"))))
	assert.ErrorIs(t, transportError("/x", context.Canceled), context.Canceled)
}
