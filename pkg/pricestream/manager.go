package pricestream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const seedTimeout = 5 * time.Second

// Conn is one physical stream carrying trades for a fixed symbol set.
type Conn interface {
	Next() (models.Trade, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, symbols []string) (Conn, error)
}

type DialerFunc func(ctx context.Context, symbols []string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, symbols []string) (Conn, error) {
	return f(ctx, symbols)
}

// Snapshotter returns last traded prices keyed by upper-case symbol.
type Snapshotter interface {
	LastPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

type Callback func(models.PriceTick)

type Metrics interface {
	ObserveTick(symbol string)
	ObserveReconnect()
	SetSubscribers(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(string) {}
func (nopMetrics) ObserveReconnect() {}
func (nopMetrics) SetSubscribers(int) {}

type Config struct {
	// Symbols is the set of symbols Subscribe accepts.
	Symbols        []string
	MaxReconnects  int
	ReconnectDelay time.Duration
}

// Manager multiplexes every subscribed symbol onto one connection. The
// connection is reopened whenever the symbol set changes and closed when the
// last subscriber leaves.
//
// Callbacks run on the stream's read goroutine and must not block. A callback
// may subscribe or unsubscribe; the resulting restart happens after it returns.
type Manager struct {
	dialer   Dialer
	snapshot Snapshotter
	cfg      Config
	known    map[string]bool
	metrics  Metrics
	logger   *logrus.Logger

	// lifeMu serializes connection restarts.
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	subs    map[string]map[uint64]Callback
	nextID  uint64
	symbols []string
	state   State
	conn    Conn
	revive  bool

	pricesMu   sync.RWMutex
	lastPrices map[string]decimal.Decimal

	// dispatching is set while the read goroutine runs callbacks.
	dispatching atomic.Bool
}

type Option func(*Manager)

func WithSnapshotter(s Snapshotter) Option {
	return func(m *Manager) {
		m.snapshot = s
	}
}

func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(cfg Config, dialer Dialer, logger *logrus.Logger, opts ...Option) *Manager {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}

	m := &Manager{
		dialer:     dialer,
		cfg:        cfg,
		known:      make(map[string]bool, len(cfg.Symbols)),
		metrics:    nopMetrics{},
		logger:     logger,
		subs:       make(map[string]map[uint64]Callback),
		state:      StateIdle,
		lastPrices: make(map[string]decimal.Decimal),
	}
	for _, s := range cfg.Symbols {
		m.known[strings.ToUpper(s)] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Symbols returns the symbol set of the current connection.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...)
}

func (m *Manager) Known(symbol string) bool {
	return m.known[strings.ToUpper(symbol)]
}

func (m *Manager) LastPrice(symbol string) (decimal.Decimal, bool) {
	m.pricesMu.RLock()
	defer m.pricesMu.RUnlock()
	p, ok := m.lastPrices[strings.ToUpper(symbol)]
	return p, ok
}

// Subscribe registers cb for ticks on symbol and returns its unsubscribe
// function. Unknown symbols are rejected before anything is opened.
func (m *Manager) Subscribe(symbol string, cb Callback) (func(), error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !m.known[symbol] {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeUnknownSymbol, fmt.Sprintf("unknown symbol %q", symbol))
	}
	if cb == nil {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "callback is required")
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	set, ok := m.subs[symbol]
	if !ok {
		set = make(map[uint64]Callback)
		m.subs[symbol] = set
	}
	set[id] = cb
	if m.state == StateClosed {
		m.revive = true
	}
	total := m.subscriberCountLocked()
	m.mu.Unlock()

	m.metrics.SetSubscribers(total)
	m.schedule()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(symbol, id) })
	}, nil
}

func (m *Manager) unsubscribe(symbol string, id uint64) {
	m.mu.Lock()
	if set, ok := m.subs[symbol]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.subs, symbol)
		}
	}
	total := m.subscriberCountLocked()
	m.mu.Unlock()

	m.metrics.SetSubscribers(total)
	m.schedule()
}

// schedule reconciles inline, or in the background when called from a
// callback, since a restart waits for the read goroutine to exit.
func (m *Manager) schedule() {
	if m.dispatching.Load() {
		go m.reconcile()
		return
	}
	m.reconcile()
}

func (m *Manager) subscriberCountLocked() int {
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

// Close tears down the connection regardless of subscribers.
func (m *Manager) Close() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.stopLocked()
	m.mu.Lock()
	m.symbols = nil
	m.state = StateClosed
	m.mu.Unlock()
}

// reconcile restarts the connection when the wanted symbol set differs from
// the streamed one. A closed manager stays closed until a new subscriber
// revives it.
func (m *Manager) reconcile() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	want := make([]string, 0, len(m.subs))
	for s := range m.subs {
		want = append(want, s)
	}
	sort.Strings(want)
	have := m.symbols
	if m.state == StateClosed && !m.revive {
		m.mu.Unlock()
		return
	}
	restart := m.revive || !equalSymbols(want, have)
	m.revive = false
	m.mu.Unlock()

	if !restart {
		return
	}

	m.stopLocked()

	m.mu.Lock()
	m.symbols = want
	if len(want) == 0 {
		m.state = StateIdle
	} else {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	if len(want) == 0 {
		m.logger.Info("No subscribers left, price stream closed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.run(ctx, want, added(want, have), done)
}

// stopLocked cancels the running loop and waits for it to exit. lifeMu must be held.
func (m *Manager) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	<-m.done
	m.cancel, m.done = nil, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setConn(c Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, symbols, fresh []string, done chan struct{}) {
	defer close(done)

	m.seed(ctx, fresh)

	attempt := 0
	for {
		conn, err := m.dialer.Dial(ctx, symbols)
		if err == nil {
			m.setConn(conn)
			if ctx.Err() != nil {
				conn.Close()
				m.setConn(nil)
				return
			}

			m.setState(StateStreaming)
			attempt = 0
			m.logger.WithField("symbols", symbols).Info("Price stream connected")

			err = m.read(conn)
			conn.Close()
			m.setConn(nil)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > m.cfg.MaxReconnects {
			m.logger.WithError(err).WithField("attempts", m.cfg.MaxReconnects).Error("Price stream reconnect attempts exhausted")
			m.setState(StateClosed)
			return
		}

		delay := m.cfg.ReconnectDelay * time.Duration(attempt)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Price stream disconnected, reconnecting")
		m.metrics.ObserveReconnect()
		m.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) seed(ctx context.Context, symbols []string) {
	if m.snapshot == nil || len(symbols) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	prices, err := m.snapshot.LastPrices(ctx, symbols)
	if err != nil {
		m.logger.WithError(err).WithField("symbols", symbols).Warn("Failed to seed last prices")
		return
	}

	m.pricesMu.Lock()
	for s, p := range prices {
		m.lastPrices[strings.ToUpper(s)] = p
	}
	m.pricesMu.Unlock()
}

func (m *Manager) read(conn Conn) error {
	for {
		trade, err := conn.Next()
		if err != nil {
			return err
		}
		m.dispatch(m.tick(trade))
	}
}

// tick derives the change against the previous price and records the new one.
func (m *Manager) tick(t models.Trade) models.PriceTick {
	symbol := strings.ToUpper(t.Symbol)

	m.pricesMu.Lock()
	last, ok := m.lastPrices[symbol]
	m.lastPrices[symbol] = t.Price
	m.pricesMu.Unlock()

	pt := models.PriceTick{
		Symbol:    symbol,
		Price:     t.Price,
		Timestamp: t.Timestamp,
		ChangeAbs: decimal.Zero,
		ChangePct: decimal.Zero,
	}
	if ok && !last.IsZero() {
		pt.ChangeAbs = t.Price.Sub(last)
		pt.ChangePct = pt.ChangeAbs.Div(last).Mul(decimal.NewFromInt(100))
	}
	return pt
}

func (m *Manager) dispatch(pt models.PriceTick) {
	m.mu.Lock()
	set := m.subs[pt.Symbol]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = set[id]
	}
	m.mu.Unlock()

	m.metrics.ObserveTick(pt.Symbol)
	m.dispatching.Store(true)
	defer m.dispatching.Store(false)
	for _, cb := range cbs {
		m.invoke(cb, pt)
	}
}

func (m *Manager) invoke(cb Callback, pt models.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("symbol", pt.Symbol).Errorf("Price callback panicked: %v", r)
		}
	}()
	cb(pt)
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func added(want, have []string) []string {
	prev := make(map[string]bool, len(have))
	for _, s := range have {
		prev[s] = true
	}
	var out []string
	for _, s := range want {
		if !prev[s] {
			out = append(out, s)
		}
	}
	return out
}
