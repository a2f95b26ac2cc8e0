package api

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/models"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

type tickMessage struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	ChangeAbs string `json:"changeAbs"`
	ChangePct string `json:"changePct"`
}

func newTickMessage(pt models.PriceTick) tickMessage {
	return tickMessage{
		Symbol:    pt.Symbol,
		Price:     pt.Price.String(),
		Timestamp: pt.Timestamp,
		ChangeAbs: pt.ChangeAbs.String(),
		ChangePct: pt.ChangePct.StringFixed(4),
	}
}

func symbolsParam(r *http.Request) []string {
	var out []string
	for _, raw := range r.URL.Query()["symbol"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// handlePriceStream relays ticks for the requested symbols. Each client gets
// a bounded queue; ticks are dropped for a client that cannot keep up so the
// shared stream read loop never blocks.
func (s *Server) handlePriceStream(w http.ResponseWriter, r *http.Request) {
	symbols := symbolsParam(r)
	if len(symbols) == 0 {
		s.writeError(w, r, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "symbol query parameter is required"))
		return
	}
	for _, sym := range symbols {
		if !s.feed.Known(sym) {
			s.writeError(w, r, apperr.New(apperr.KindValidation, apperr.CodeUnknownSymbol, "unknown symbol "+sym))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	queue := make(chan models.PriceTick, clientBuffer)
	var dropped atomic.Int64
	push := func(pt models.PriceTick) {
		select {
		case queue <- pt:
		default:
			dropped.Add(1)
		}
	}

	var unsubs []func()
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		if n := dropped.Load(); n > 0 {
			s.logger.WithField("dropped", n).Debug("Slow price stream client dropped ticks")
		}
	}()
	for _, sym := range symbols {
		unsub, err := s.feed.Subscribe(sym, push)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", sym).Warn("Price subscription failed")
			return
		}
		unsubs = append(unsubs, unsub)
	}

	closed := make(chan struct{})
	go readUntilClose(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case pt := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(newTickMessage(pt)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClose drains client frames so pongs and close frames are handled.
func readUntilClose(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
