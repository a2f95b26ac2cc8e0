package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	pathSpotAccount    = "/api/v3/account"
	pathMarginAccount  = "/sapi/v1/margin/account"
	pathFuturesAccount = "/fapi/v2/account"
	pathSpotGridBots   = "/sapi/v1/trading-bot/spot/accounts"
	pathFuturesBots    = "/sapi/v1/trading-bot/futures/positions"
)

const (
	strategyTypeSpot    = "spot"
	strategyTypeFutures = "futures"
)

// flexString accepts a JSON string or number and keeps it verbatim.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) orZero() string {
	if f == "" {
		return "0"
	}
	return string(f)
}

// BaseAsset strips the quote suffix from a trading pair symbol.
func BaseAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"USDT", "USD"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

func (c *Client) SpotAccount(ctx context.Context, creds Credentials) (models.SpotAccount, error) {
	body, err := c.SignedGet(ctx, creds, c.cfg.SpotURL, pathSpotAccount, nil)
	if err != nil {
		return models.EmptySpotAccount(), err
	}

	var resp struct {
		CanTrade bool                 `json:"canTrade"`
		Balances []models.SpotBalance `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.EmptySpotAccount(), fmt.Errorf("decode spot account: %w", err)
	}

	acct := models.EmptySpotAccount()
	acct.CanTrade = resp.CanTrade
	if resp.Balances != nil {
		acct.Balances = resp.Balances
	}
	return acct, nil
}

func (c *Client) MarginAccount(ctx context.Context, creds Credentials) (models.MarginAccount, error) {
	body, err := c.SignedGet(ctx, creds, c.cfg.MarginURL, pathMarginAccount, nil)
	if err != nil {
		return models.EmptyMarginAccount(), err
	}

	var resp struct {
		UserAssets          []models.MarginBalance `json:"userAssets"`
		MarginLevel         flexString             `json:"marginLevel"`
		MarginRatio         flexString             `json:"marginRatio"`
		TotalAssetOfBTC     flexString             `json:"totalAssetOfBtc"`
		TotalLiabilityOfBTC flexString             `json:"totalLiabilityOfBtc"`
		TotalNetAssetOfBTC  flexString             `json:"totalNetAssetOfBtc"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.EmptyMarginAccount(), fmt.Errorf("decode margin account: %w", err)
	}

	acct := models.MarginAccount{
		Balances:            resp.UserAssets,
		Level:               resp.MarginLevel.orZero(),
		TotalAssetOfBTC:     resp.TotalAssetOfBTC.orZero(),
		TotalLiabilityOfBTC: resp.TotalLiabilityOfBTC.orZero(),
		TotalNetAssetOfBTC:  resp.TotalNetAssetOfBTC.orZero(),
		MarginRatio:         resp.MarginRatio.orZero(),
	}
	if acct.Balances == nil {
		acct.Balances = []models.MarginBalance{}
	}
	return acct, nil
}

func (c *Client) FuturesAccount(ctx context.Context, creds Credentials) (models.FuturesAccount, error) {
	body, err := c.SignedGet(ctx, creds, c.cfg.FuturesURL, pathFuturesAccount, nil)
	if err != nil {
		return models.EmptyFuturesAccount(), err
	}

	var resp struct {
		Assets                []models.FuturesBalance  `json:"assets"`
		Positions             []models.FuturesPosition `json:"positions"`
		TotalWalletBalance    flexString               `json:"totalWalletBalance"`
		TotalUnrealizedProfit flexString               `json:"totalUnrealizedProfit"`
		TotalMarginBalance    flexString               `json:"totalMarginBalance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.EmptyFuturesAccount(), fmt.Errorf("decode futures account: %w", err)
	}

	acct := models.EmptyFuturesAccount()
	acct.TotalWalletBalance = resp.TotalWalletBalance.orZero()
	acct.TotalUnrealizedProfit = resp.TotalUnrealizedProfit.orZero()
	acct.TotalMarginBalance = resp.TotalMarginBalance.orZero()
	if resp.Assets != nil {
		acct.Balances = resp.Assets
	}
	for _, p := range resp.Positions {
		if p.PositionAmt.IsZero() {
			continue
		}
		p.Asset = BaseAsset(p.Symbol)
		acct.Positions = append(acct.Positions, p)
	}
	return acct, nil
}

type botAccount struct {
	StrategyID    flexString      `json:"strategyId"`
	StrategyName  string          `json:"strategyName"`
	Type          string          `json:"type"`
	Symbol        string          `json:"symbol"`
	Free          decimal.Decimal `json:"free"`
	Locked        decimal.Decimal `json:"locked"`
	Total         decimal.Decimal `json:"total"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	TotalPnl      decimal.Decimal `json:"totalPnl"`
}

func (b botAccount) balance(defaultType string) models.StrategyBalance {
	typ := b.Type
	if typ == "" {
		typ = defaultType
	}
	return models.StrategyBalance{
		StrategyID:   string(b.StrategyID),
		StrategyName: b.StrategyName,
		Type:         typ,
		Symbol:       b.Symbol,
		Asset:        BaseAsset(b.Symbol),
		Free:         b.Free,
		Locked:       b.Locked,
		Total:        b.Total,
		PnL:          b.UnrealizedPnl,
		ROI:          b.TotalPnl,
	}
}

// StrategyAccount merges spot-grid and futures bot holdings. One failing
// endpoint is tolerated; both failing is an error.
func (c *Client) StrategyAccount(ctx context.Context, creds Credentials) (models.StrategyAccount, error) {
	type result struct {
		balances []models.StrategyBalance
		err      error
	}

	fetch := func(path, typ string) result {
		body, err := c.SignedGet(ctx, creds, c.cfg.SpotURL, path, nil)
		if err != nil {
			return result{err: err}
		}
		var bots []botAccount
		if err := json.Unmarshal(body, &bots); err != nil {
			return result{err: fmt.Errorf("decode %s: %w", path, err)}
		}
		out := make([]models.StrategyBalance, 0, len(bots))
		for _, b := range bots {
			out = append(out, b.balance(typ))
		}
		return result{balances: out}
	}

	var (
		wg            sync.WaitGroup
		spot, futures result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		spot = fetch(pathSpotGridBots, strategyTypeSpot)
	}()
	go func() {
		defer wg.Done()
		futures = fetch(pathFuturesBots, strategyTypeFutures)
	}()
	wg.Wait()

	acct := models.EmptyStrategyAccount()
	if spot.err != nil && futures.err != nil {
		return acct, spot.err
	}
	for _, r := range []result{spot, futures} {
		if r.err != nil {
			c.logger.WithError(r.err).Warn("Strategy endpoint failed, continuing with the other")
			continue
		}
		acct.Balances = append(acct.Balances, r.balances...)
	}
	return acct, nil
}
