package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPath(t *testing.T) {
	assert.Equal(t, "/ws/btcusdt@trade/solusdt@trade", StreamPath([]string{"BTCUSDT", "SOLUSDT"}))
}

func TestStreamConnSkipsNonTradeFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"50000.10","q":"0.01","T":1672515782134,"m":true,"M":true}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	d := NewStreamDialer("ws"+strings.TrimPrefix(srv.URL, "http"), testLogger())
	conn, err := d.Dial(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "/ws/btcusdt@trade", <-paths)

	trade, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", trade.Symbol)
	assert.Equal(t, "50000.1", trade.Price.String())
	assert.Equal(t, int64(1672515782134), trade.Timestamp)
}

func TestStreamDialRequiresSymbols(t *testing.T) {
	_, err := NewStreamDialer("ws://localhost:1", testLogger()).Dial(context.Background(), nil)
	assert.Error(t, err)
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewStreamDialer("ws"+strings.TrimPrefix(srv.URL, "http"), testLogger()).Dial(context.Background(), []string{"SOLUSDT"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		conn.Close()
		conn.Close()
	})
	_, err = conn.Next()
	assert.Error(t, err)
}
