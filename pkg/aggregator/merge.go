package aggregator

import (
	"strings"

	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/shopspring/decimal"
)

// assetTable normalizes venue tickers and answers allow-list membership.
type assetTable struct {
	aliases map[string]string
	tracked map[string]bool
	order   []string
}

func newAssetTable(tracked []string, symbolMap map[string]string) *assetTable {
	t := &assetTable{
		aliases: make(map[string]string, len(symbolMap)),
		tracked: make(map[string]bool, len(tracked)),
	}
	for alias, canonical := range symbolMap {
		t.aliases[strings.ToUpper(strings.TrimSpace(alias))] = strings.ToUpper(strings.TrimSpace(canonical))
	}
	for _, asset := range tracked {
		n := t.normalize(asset)
		if n == "" || t.tracked[n] {
			continue
		}
		t.tracked[n] = true
		t.order = append(t.order, n)
	}
	return t
}

func (t *assetTable) normalize(asset string) string {
	a := strings.ToUpper(strings.TrimSpace(asset))
	if canonical, ok := t.aliases[a]; ok {
		return canonical
	}
	return a
}

// admit normalizes first, so an alias of a tracked asset is kept.
func (t *assetTable) admit(asset string) (string, bool) {
	n := t.normalize(asset)
	return n, t.tracked[n]
}

func nonZero(ds ...decimal.Decimal) bool {
	for _, d := range ds {
		if !d.IsZero() {
			return true
		}
	}
	return false
}

func (a *Aggregator) filterSpot(acct models.SpotAccount) models.SpotAccount {
	out := acct
	out.Balances = []models.SpotBalance{}
	for _, b := range acct.Balances {
		asset, ok := a.assets.admit(b.Asset)
		if !ok || !nonZero(b.Free, b.Locked) {
			continue
		}
		b.Asset = asset
		out.Balances = append(out.Balances, b)
	}
	return out
}

func (a *Aggregator) filterMargin(acct models.MarginAccount) models.MarginAccount {
	out := acct
	out.Balances = []models.MarginBalance{}
	for _, b := range acct.Balances {
		asset, ok := a.assets.admit(b.Asset)
		if !ok || !nonZero(b.Free, b.Locked, b.Borrowed, b.NetAsset) {
			continue
		}
		b.Asset = asset
		out.Balances = append(out.Balances, b)
	}
	return out
}

func (a *Aggregator) filterFutures(acct models.FuturesAccount) models.FuturesAccount {
	out := acct
	out.Balances = []models.FuturesBalance{}
	out.Positions = []models.FuturesPosition{}
	for _, b := range acct.Balances {
		asset, ok := a.assets.admit(b.Asset)
		if !ok || !nonZero(b.WalletBalance, b.UnrealizedProfit) {
			continue
		}
		b.Asset = asset
		out.Balances = append(out.Balances, b)
	}
	for _, p := range acct.Positions {
		asset, ok := a.assets.admit(p.Asset)
		if !ok {
			continue
		}
		p.Asset = asset
		out.Positions = append(out.Positions, p)
	}
	return out
}

func (a *Aggregator) filterStrategy(acct models.StrategyAccount) models.StrategyAccount {
	out := models.StrategyAccount{Balances: []models.StrategyBalance{}}
	for _, b := range acct.Balances {
		asset, ok := a.assets.admit(b.Asset)
		if !ok {
			continue
		}
		b.Asset = asset
		out.Balances = append(out.Balances, b)
	}
	return out
}

// merge builds the per-asset table from already filtered venue data. Every
// tracked asset gets an entry; Assets lists those with a positive leg, in
// tracked order, so the result is independent of fetch completion order.
func merge(snap *models.AccountSnapshot, order []string, prices map[string]decimal.Decimal) {
	rows := make(map[string]*models.AssetValuation, len(order))
	for _, asset := range order {
		rows[asset] = &models.AssetValuation{Asset: asset, Price: prices[asset]}
	}

	var balances []models.VenueBalance
	for _, b := range snap.Spot.Balances {
		balances = append(balances, b)
	}
	for _, b := range snap.Margin.Balances {
		balances = append(balances, b)
	}
	for _, b := range snap.Futures.Balances {
		balances = append(balances, b)
	}
	for _, b := range snap.Strategy.Balances {
		balances = append(balances, b)
	}

	for _, b := range balances {
		row, ok := rows[b.AssetSymbol()]
		if !ok {
			continue
		}
		qty := b.Quantity()
		switch b.Venue() {
		case models.VenueSpot:
			row.Spot = row.Spot.Add(qty)
		case models.VenueMargin:
			row.MarginNet = row.MarginNet.Add(qty)
			row.MarginBorrowed = row.MarginBorrowed.Add(b.Liability())
		case models.VenueFutures:
			row.Futures = row.Futures.Add(qty)
		case models.VenueStrategy:
			row.Strategy = row.Strategy.Add(qty)
		}
	}

	snap.MergedByAsset = make(map[string]models.AssetValuation, len(order))
	snap.Assets = []string{}
	snap.TotalValue = decimal.Zero
	snap.TotalLiabilities = decimal.Zero

	for _, asset := range order {
		row := rows[asset]
		value := decimal.Zero
		for _, leg := range []decimal.Decimal{row.Spot, row.MarginNet, row.Futures, row.Strategy} {
			if leg.IsPositive() {
				row.HasPosition = true
				value = value.Add(leg.Mul(row.Price))
			}
		}
		row.TotalValue = value
		row.Liabilities = row.MarginBorrowed.Mul(row.Price)
		row.NetValue = row.TotalValue.Sub(row.Liabilities)

		if row.HasPosition {
			snap.Assets = append(snap.Assets, asset)
		}
		snap.TotalValue = snap.TotalValue.Add(row.TotalValue)
		snap.TotalLiabilities = snap.TotalLiabilities.Add(row.Liabilities)
		snap.MergedByAsset[asset] = *row
	}
	snap.NetValue = snap.TotalValue.Sub(snap.TotalLiabilities)
}
