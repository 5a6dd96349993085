package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const tickerArray = `[
 {"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","P":"2.50","c":"43000.10","b":"43000.00","a":"43000.20","q":"912345678.5"},
 {"e":"24hrTicker","E":1700000000000,"s":"DOGEUSDT","P":"-1.2","c":"0.08","b":"0.0799","a":"0.0801","q":"1000"}
]`

func TestHandleMessage_ArrayFiltersSymbols(t *testing.T) {
	f := NewTickerFeed(Config{Symbols: []string{"btcusdt"}})
	n, err := f.handleMessage([]byte(tickerArray))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	obs, err := f.GetObservation(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 43000.10, obs.Price, 1e-9)
	assert.InDelta(t, 2.5, obs.Change24h, 1e-9)
	assert.InDelta(t, 912345678.5, obs.Volume24h, 1e-6)
	assert.True(t, obs.HasBook())

	_, err = f.GetObservation(context.Background(), "DOGEUSDT")
	assert.True(t, errors.Is(err, domain.ErrStaleObservation))
}

func TestHandleMessage_CombinedAndSingle(t *testing.T) {
	f := NewTickerFeed(Config{})

	n, err := f.handleMessage([]byte(`{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","s":"ETHUSDT","c":"2200","P":"0.4","q":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.handleMessage([]byte(`{"e":"24hrTicker","s":"SOLUSDT","c":"95.5","P":"1","q":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	obs, err := f.GetObservation(context.Background(), "ethusdt")
	require.NoError(t, err)
	assert.False(t, obs.HasBook())
	assert.Equal(t, int64(2), f.Received())
}

func TestHandleMessage_BadInput(t *testing.T) {
	f := NewTickerFeed(Config{})

	_, err := f.handleMessage([]byte(`not json`))
	assert.Error(t, err)

	n, err := f.handleMessage([]byte(`[{"s":"BTCUSDT","c":"abc"},{"s":"ETHUSDT","c":"0"}]`))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetObservation_Stale(t *testing.T) {
	f := NewTickerFeed(Config{StaleAfter: time.Second})
	base := time.Now()
	f.now = func() time.Time { return base }
	_, err := f.handleMessage([]byte(tickerArray))
	require.NoError(t, err)

	f.now = func() time.Time { return base.Add(2 * time.Second) }
	obs, err := f.GetObservation(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleObservation))
	assert.Equal(t, "BTCUSDT", obs.Symbol)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestTickerFeed_ReceivesAndReconnects(t *testing.T) {
	connections := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections <- struct{}{}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerArray))
		// drop the first connection right away, keep the second open
		if len(connections) > 1 {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	f := NewTickerFeed(Config{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:       []string{"BTCUSDT"},
		ReconnectWait: 10 * time.Millisecond,
	})
	f.Start(context.Background())
	defer f.Stop()

	require.Eventually(t, func() bool { return f.Received() >= 2 }, 2*time.Second, 5*time.Millisecond)

	obs, err := f.GetObservation(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 43000.20, obs.Ask, 1e-9)
}
