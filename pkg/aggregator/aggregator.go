package aggregator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/vaultd/pkg/binance"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// VenueClient fetches one account surface per method. *binance.Client implements it.
type VenueClient interface {
	SpotAccount(ctx context.Context, creds binance.Credentials) (models.SpotAccount, error)
	MarginAccount(ctx context.Context, creds binance.Credentials) (models.MarginAccount, error)
	FuturesAccount(ctx context.Context, creds binance.Credentials) (models.FuturesAccount, error)
	StrategyAccount(ctx context.Context, creds binance.Credentials) (models.StrategyAccount, error)
}

type PriceSource interface {
	Prices(ctx context.Context, assets []string, quote string) (map[string]decimal.Decimal, error)
}

// Clock yields the venue-corrected time in milliseconds.
type Clock interface {
	Now(ctx context.Context) int64
}

type SnapshotSink interface {
	AppendSnapshot(ctx context.Context, ownerID string, snap models.AccountSnapshot) error
}

type Metrics interface {
	ObserveAggregation(partial bool, d time.Duration)
	ObserveVenueFailure(venue string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAggregation(bool, time.Duration) {}
func (nopMetrics) ObserveVenueFailure(string) {}

type Config struct {
	Tracked   []string
	Quote     string
	SymbolMap map[string]string
}

type Aggregator struct {
	venues  VenueClient
	prices  PriceSource
	clock   Clock
	sink    SnapshotSink
	metrics Metrics
	assets  *assetTable
	quote   string
	logger  *logrus.Logger
}

type Option func(*Aggregator)

// WithSnapshotSink records every owner-scoped snapshot as history.
func WithSnapshotSink(s SnapshotSink) Option {
	return func(a *Aggregator) {
		a.sink = s
	}
}

func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

func New(cfg Config, venues VenueClient, prices PriceSource, clock Clock, logger *logrus.Logger, opts ...Option) *Aggregator {
	quote := strings.ToUpper(strings.TrimSpace(cfg.Quote))
	if quote == "" {
		quote = "USDT"
	}
	a := &Aggregator{
		venues:  venues,
		prices:  prices,
		clock:   clock,
		metrics: nopMetrics{},
		assets:  newAssetTable(cfg.Tracked, cfg.SymbolMap),
		quote:   quote,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tracked returns the normalized allow-list in configured order.
func (a *Aggregator) Tracked() []string {
	return append([]string(nil), a.assets.order...)
}

type venueResult struct {
	spot     models.SpotAccount
	margin   models.MarginAccount
	futures  models.FuturesAccount
	strategy models.StrategyAccount
	errs     map[models.Venue]error
}

// GetCombinedAccountInfo fetches all venues in parallel and merges them into
// one valuation. A failing venue is replaced by its empty default and flagged
// on the snapshot. An error is returned only when every venue failed or the
// context ended.
func (a *Aggregator) GetCombinedAccountInfo(ctx context.Context, creds binance.Credentials) (*models.AccountSnapshot, error) {
	start := time.Now()
	updateTime := a.clock.Now(ctx)

	res := a.fetchVenues(ctx, creds)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &models.AccountSnapshot{
		Spot:        a.filterSpot(res.spot),
		Margin:      a.filterMargin(res.margin),
		Futures:     a.filterFutures(res.futures),
		Strategy:    a.filterStrategy(res.strategy),
		UpdateTime:  updateTime,
		VenueErrors: map[models.Venue]string{},
	}

	for _, v := range models.Venues {
		if err, ok := res.errs[v]; ok {
			snap.Partial = true
			snap.VenueErrors[v] = err.Error()
			a.metrics.ObserveVenueFailure(string(v))
			a.logger.WithError(err).WithFields(logrus.Fields{
				"venue":   v,
				"api_key": binance.MaskKey(creds.APIKey),
			}).Warn("Venue fetch failed, substituting empty default")
		}
	}
	if len(res.errs) == len(models.Venues) {
		merge(snap, a.assets.order, map[string]decimal.Decimal{})
		a.metrics.ObserveAggregation(true, time.Since(start))
		return snap, res.errs[models.VenueSpot]
	}

	prices, err := a.prices.Prices(ctx, a.assets.order, a.quote)
	if err != nil {
		snap.Partial = true
		snap.PriceError = err.Error()
		a.logger.WithError(err).Warn("Price lookup incomplete, unpriced assets are valued at zero")
	}
	if prices == nil {
		prices = map[string]decimal.Decimal{}
	}

	merge(snap, a.assets.order, prices)
	if len(snap.VenueErrors) == 0 {
		snap.VenueErrors = nil
	}

	a.metrics.ObserveAggregation(snap.Partial, time.Since(start))
	a.logger.WithFields(logrus.Fields{
		"assets":    len(snap.Assets),
		"net_value": snap.NetValue.String(),
		"partial":   snap.Partial,
	}).Debug("Aggregated account snapshot")
	return snap, nil
}

// Snapshot aggregates for an owner and appends the result to history when a
// sink is configured. A failed append is logged, not returned.
func (a *Aggregator) Snapshot(ctx context.Context, ownerID string, creds binance.Credentials) (*models.AccountSnapshot, error) {
	snap, err := a.GetCombinedAccountInfo(ctx, creds)
	if err != nil {
		return snap, err
	}
	if a.sink != nil {
		if err := a.sink.AppendSnapshot(ctx, ownerID, *snap); err != nil {
			a.logger.WithError(err).WithField("owner_id", ownerID).Warn("Failed to record snapshot history")
		}
	}
	return snap, nil
}

func (a *Aggregator) fetchVenues(ctx context.Context, creds binance.Credentials) venueResult {
	res := venueResult{errs: make(map[models.Venue]error)}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	fail := func(v models.Venue, err error) {
		mu.Lock()
		res.errs[v] = err
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		acct, err := a.venues.SpotAccount(ctx, creds)
		if err != nil {
			fail(models.VenueSpot, err)
			acct = models.EmptySpotAccount()
		}
		res.spot = acct
	}()
	go func() {
		defer wg.Done()
		acct, err := a.venues.MarginAccount(ctx, creds)
		if err != nil {
			fail(models.VenueMargin, err)
			acct = models.EmptyMarginAccount()
		}
		res.margin = acct
	}()
	go func() {
		defer wg.Done()
		acct, err := a.venues.FuturesAccount(ctx, creds)
		if err != nil {
			fail(models.VenueFutures, err)
			acct = models.EmptyFuturesAccount()
		}
		res.futures = acct
	}()
	go func() {
		defer wg.Done()
		acct, err := a.venues.StrategyAccount(ctx, creds)
		if err != nil {
			fail(models.VenueStrategy, err)
			acct = models.EmptyStrategyAccount()
		}
		res.strategy = acct
	}()
	wg.Wait()

	return res
}
