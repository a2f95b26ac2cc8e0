package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	pathTickerPrice = "/api/v3/ticker/price"
	pathTicker24h   = "/api/v3/ticker/24hr"
)

// Prices returns the last price of each asset against quote. The quote asset
// itself is priced at one. Assets that fail to price are absent from the map
// and reported through the joined error.
func (c *Client) Prices(ctx context.Context, assets []string, quote string) (map[string]decimal.Decimal, error) {
	quote = strings.ToUpper(quote)
	prices := make(map[string]decimal.Decimal, len(assets))
	var errs []error

	for _, asset := range assets {
		asset = strings.ToUpper(asset)
		if asset == quote {
			prices[asset] = decimal.NewFromInt(1)
			continue
		}

		params := url.Values{}
		params.Set("symbol", asset+quote)
		body, err := c.PublicGet(ctx, pathTickerPrice, params, c.cfg.PriceCacheTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("price %s%s: %w", asset, quote, err))
			continue
		}

		var resp struct {
			Symbol string          `json:"symbol"`
			Price  decimal.Decimal `json:"price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			errs = append(errs, fmt.Errorf("decode price %s%s: %w", asset, quote, err))
			continue
		}
		prices[asset] = resp.Price
	}

	return prices, errors.Join(errs...)
}

// LastPrices seeds a stream with one 24h ticker request covering every symbol.
func (c *Client) LastPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	encoded, err := json.Marshal(upper)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbols", string(encoded))
	body, err := c.PublicGet(ctx, pathTicker24h, params, 0)
	if err != nil {
		return nil, err
	}

	var tickers []struct {
		Symbol    string          `json:"symbol"`
		LastPrice decimal.Decimal `json:"lastPrice"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("decode 24h tickers: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		out[t.Symbol] = t.LastPrice
	}
	return out, nil
}
