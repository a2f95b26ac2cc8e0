package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
)

// StreamPath returns the combined raw-stream path for the given symbols.
func StreamPath(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@trade"
	}
	return "/ws/" + strings.Join(streams, "/")
}

type StreamDialer struct {
	baseURL string
	dialer  websocket.Dialer
	logger  *logrus.Logger
}

func NewStreamDialer(baseURL string, logger *logrus.Logger) *StreamDialer {
	return &StreamDialer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Dial opens one physical connection carrying the trade streams of every symbol.
func (d *StreamDialer) Dial(ctx context.Context, symbols []string) (*StreamConn, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to stream")
	}

	url := d.baseURL + StreamPath(symbols)
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	sc := &StreamConn{
		conn:   conn,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go sc.keepAlive()

	d.logger.WithField("symbols", symbols).Info("Connected to trade stream")
	return sc, nil
}

type StreamConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
}

// tradeEvent names every key of the payload; keys differing only in case
// would otherwise collide during decoding.
type tradeEvent struct {
	EventType     string          `json:"e"`
	EventTime     int64           `json:"E"`
	Symbol        string          `json:"s"`
	TradeID       int64           `json:"t"`
	Price         decimal.Decimal `json:"p"`
	Quantity      string          `json:"q"`
	TradeTime     int64           `json:"T"`
	BuyerIsMaker  bool            `json:"m"`
	BestPriceFill bool            `json:"M"`
}

// Next blocks until the next trade arrives. Frames that are not trades are skipped.
func (c *StreamConn) Next() (models.Trade, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return models.Trade{}, err
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var ev tradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.WithError(err).Debug("Skipping undecodable stream frame")
			continue
		}
		if ev.EventType != "trade" {
			continue
		}

		ts := ev.TradeTime
		if ts == 0 {
			ts = ev.EventTime
		}
		return models.Trade{Symbol: ev.Symbol, Price: ev.Price, Timestamp: ts}, nil
	}
}

func (c *StreamConn) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Error("Failed to send ping")
				c.conn.Close()
				return
			}
		}
	}
}

func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
