package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func venueServer(t *testing.T, routes map[string]string, failing ...string) *httptest.Server {
	t.Helper()
	fail := make(map[string]bool, len(failing))
	for _, p := range failing {
		fail[p] = true
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			writeServerTime(w)
			return
		}
		if fail[r.URL.Path] {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key"}`))
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
}

func TestBaseAsset(t *testing.T) {
	tests := map[string]string{
		"BTCUSDT": "BTC",
		"solusdt": "SOL",
		"AAVEUSD": "AAVE",
		"ETHBTC":  "ETHBTC",
		"USDT":    "USDT",
	}
	for symbol, want := range tests {
		assert.Equal(t, want, BaseAsset(symbol), symbol)
	}
}

func TestMarginAccountPassesAggregatesThrough(t *testing.T) {
	srv := venueServer(t, map[string]string{
		pathMarginAccount: `{
			"marginLevel": "11.64405625",
			"totalAssetOfBtc": "6.82728457",
			"totalLiabilityOfBtc": 0.58633215,
			"userAssets": [
				{"asset":"BTC","free":"0.1","locked":"0","borrowed":"0.5","interest":"0.001","netAsset":"-0.4"}
			]
		}`,
	})
	defer srv.Close()

	acct, err := newTestClient(t, srv).MarginAccount(context.Background(), testCreds)
	require.NoError(t, err)

	assert.Equal(t, "11.64405625", acct.Level)
	assert.Equal(t, "6.82728457", acct.TotalAssetOfBTC)
	assert.Equal(t, "0.58633215", acct.TotalLiabilityOfBTC)
	assert.Equal(t, "0", acct.TotalNetAssetOfBTC)
	assert.Equal(t, "0", acct.MarginRatio)
	require.Len(t, acct.Balances, 1)
	assert.Equal(t, "-0.4", acct.Balances[0].Quantity().String())
	assert.Equal(t, "0.5", acct.Balances[0].Liability().String())
}

func TestFuturesAccountDropsFlatPositions(t *testing.T) {
	srv := venueServer(t, map[string]string{
		pathFuturesAccount: `{
			"totalWalletBalance": "120.5",
			"assets": [{"asset":"USDT","walletBalance":"100","unrealizedProfit":"20.5","marginBalance":"120.5","maintMargin":"0","initialMargin":"0"}],
			"positions": [
				{"symbol":"BTCUSDT","positionAmt":"0.01","entryPrice":"50000","unrealizedProfit":"20.5"},
				{"symbol":"SOLUSDT","positionAmt":"0","entryPrice":"0","unrealizedProfit":"0"}
			]
		}`,
	})
	defer srv.Close()

	acct, err := newTestClient(t, srv).FuturesAccount(context.Background(), testCreds)
	require.NoError(t, err)

	assert.Equal(t, "120.5", acct.TotalWalletBalance)
	assert.Equal(t, "0", acct.TotalMarginBalance)
	require.Len(t, acct.Balances, 1)
	assert.Equal(t, "120.5", acct.Balances[0].Quantity().String())
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, "BTC", acct.Positions[0].Asset)
}

func TestStrategyAccountToleratesOneFailure(t *testing.T) {
	srv := venueServer(t, map[string]string{
		pathSpotGridBots: `[{"strategyId":12345,"strategyName":"grid","symbol":"SOLUSDT","total":"3.5","unrealizedPnl":"1.2","totalPnl":"0.04"}]`,
	}, pathFuturesBots)
	defer srv.Close()

	acct, err := newTestClient(t, srv).StrategyAccount(context.Background(), testCreds)
	require.NoError(t, err)
	require.Len(t, acct.Balances, 1)

	b := acct.Balances[0]
	assert.Equal(t, "12345", b.StrategyID)
	assert.Equal(t, "SOL", b.Asset)
	assert.Equal(t, "spot", b.Type)
	assert.Equal(t, "3.5", b.Quantity().String())
	assert.Equal(t, "1.2", b.PnL.String())
	assert.Equal(t, "0.04", b.ROI.String())
}

func TestStrategyAccountFailsWhenBothEndpointsFail(t *testing.T) {
	srv := venueServer(t, nil, pathSpotGridBots, pathFuturesBots)
	defer srv.Close()

	acct, err := newTestClient(t, srv).StrategyAccount(context.Background(), testCreds)
	assert.Error(t, err)
	assert.NotNil(t, acct.Balances)
}

func TestPricesQuoteIsOne(t *testing.T) {
	srv := venueServer(t, map[string]string{
		pathTickerPrice: `{"symbol":"BTCUSDT","price":"50000.00"}`,
	})
	defer srv.Close()

	prices, err := newTestClient(t, srv).Prices(context.Background(), []string{"BTC", "usdt"}, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "50000", prices["BTC"].String())
	assert.Equal(t, "1", prices["USDT"].String())
}

func TestPricesReportsMissingSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "BTCUSDT" {
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"42000"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	prices, err := newTestClient(t, srv).Prices(context.Background(), []string{"BTC", "NOPE"}, "USDT")
	assert.Error(t, err)
	assert.Equal(t, "42000", prices["BTC"].String())
	_, ok := prices["NOPE"]
	assert.False(t, ok)
}

func TestLastPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathTicker24h, r.URL.Path)
		assert.Equal(t, `["BTCUSDT","SOLUSDT"]`, r.URL.Query().Get("symbols"))
		w.Write([]byte(`[{"symbol":"BTCUSDT","lastPrice":"50000.1"},{"symbol":"SOLUSDT","lastPrice":"150"}]`))
	}))
	defer srv.Close()

	prices, err := newTestClient(t, srv).LastPrices(context.Background(), []string{"btcusdt", "SOLUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "50000.1", prices["BTCUSDT"].String())
	assert.Equal(t, "150", prices["SOLUSDT"].String())
}
