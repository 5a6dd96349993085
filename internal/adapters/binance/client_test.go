package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

type fakeAPI struct {
	mu     sync.Mutex
	orders []map[string]string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, `[{"symbol":"BTCUSDT","priceChangePercent":"2.5","lastPrice":"43000.10",
			"bidPrice":"43000.00","askPrice":"43000.20","quoteVolume":"912345678.5"}]`)
	})
	mux.HandleFunc("/api/v3/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			write(w, 200, `[{"symbol":"BTCUSDT","bidPrice":"100.00","bidQty":"1","askPrice":"100.10","askQty":"1"}]`)
		default:
			write(w, 400, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"9000","stepSize":"0.001"}]}]}`)
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Method {
		case http.MethodPost:
			params := map[string]string{}
			for k := range r.Form {
				params[k] = r.Form.Get(k)
			}
			f.mu.Lock()
			f.orders = append(f.orders, params)
			f.mu.Unlock()
			write(w, 200, `{"symbol":"BTCUSDT","orderId":4242,"status":"NEW"}`)
		case http.MethodGet:
			write(w, 200, `{"symbol":"BTCUSDT","orderId":4242,"status":"FILLED",
				"executedQty":"2.500","cummulativeQuoteQty":"251.5","price":"100.6"}`)
		case http.MethodDelete:
			write(w, 400, `{"code":-2011,"msg":"Unknown order sent."}`)
		}
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, `{"balances":[
			{"asset":"USDT","free":"900","locked":"100"},
			{"asset":"BTC","free":"0.5","locked":"0"},
			{"asset":"XYZ","free":"10","locked":"0"},
			{"asset":"ETH","free":"0","locked":"0"}]}`)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, RatePerSec: 1000}), api
}

func TestClient_GetObservation(t *testing.T) {
	c, _ := newTestClient(t)
	obs, err := c.GetObservation(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 43000.10, obs.Price, 1e-9)
	assert.InDelta(t, 2.5, obs.Change24h, 1e-9)
	assert.True(t, obs.HasBook())
	assert.False(t, obs.LastUpdated.IsZero())
}

func TestClient_GetBookTicker(t *testing.T) {
	c, _ := newTestClient(t)
	book, err := c.GetBookTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, book.Bid, 1e-9)
	assert.InDelta(t, 100.1, book.Ask, 1e-9)

	_, err = c.GetBookTicker(context.Background(), "NOPE")
	assert.Error(t, err)
}

func TestClient_PlaceOrder(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()

	placed, err := c.PlaceOrder(ctx, domain.OrderRequest{
		ClientID: "cid-1", Symbol: "BTCUSDT", Side: domain.OrderBuy, Type: domain.OrderMarket, Notional: 250.004,
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", placed.OrderID)
	assert.Equal(t, "NEW", placed.Status)

	_, err = c.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.OrderSell, Type: domain.OrderLimit, Price: 100.604, Notional: 251.5,
	})
	require.NoError(t, err)

	require.Len(t, api.orders, 2)
	market, limit := api.orders[0], api.orders[1]
	assert.Equal(t, "MARKET", market["type"])
	assert.Equal(t, "250", market["quoteOrderQty"])
	assert.Equal(t, "cid-1", market["newClientOrderId"])
	assert.Equal(t, "LIMIT", limit["type"])
	assert.Equal(t, "SELL", limit["side"])
	assert.Equal(t, "100.6", limit["price"])
	assert.Equal(t, "2.5", limit["quantity"])
	assert.Equal(t, "GTC", limit["timeInForce"])
}

func TestClient_OrderStatusAndCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	st, err := c.GetOrderStatus(ctx, "BTCUSDT", "4242")
	require.NoError(t, err)
	assert.True(t, st.Filled)
	assert.InDelta(t, 100.6, st.AvgPrice, 1e-9)
	assert.InDelta(t, 2.5, st.FilledQty, 1e-9)

	// -2011 means the order is already closed
	assert.NoError(t, c.CancelOrder(ctx, "BTCUSDT", "4242"))

	_, err = c.GetOrderStatus(ctx, "BTCUSDT", "not-a-number")
	assert.Error(t, err)
}

func TestClient_GetBalance(t *testing.T) {
	c, _ := newTestClient(t)
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	// 1000 USDT + 0.5 BTC at mid 100.05; XYZ has no market and is skipped
	assert.InDelta(t, 1050.025, bal, 1e-9)
}

func TestLimitQuantity(t *testing.T) {
	f := symbolFilters{step: decimal.RequireFromString("0.001"), tick: decimal.RequireFromString("0.01")}

	qty, px, err := limitQuantity(100, 33.333, f)
	require.NoError(t, err)
	assert.Equal(t, "33.33", px.String())
	assert.Equal(t, "3", qty.String())

	_, _, err = limitQuantity(0.01, 43000, f)
	assert.Error(t, err)

	_, _, err = limitQuantity(100, 0, f)
	assert.Error(t, err)
}

func TestClient_PlaceOrderByQuantity(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.OrderSell, Type: domain.OrderMarket, Notional: 251, Quantity: 2.4975,
	})
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.OrderSell, Type: domain.OrderLimit, Price: 100.604, Quantity: 2.4975,
	})
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.OrderSell, Type: domain.OrderMarket, Quantity: 0.0004,
	})
	assert.Error(t, err, "below one lot step")

	require.Len(t, api.orders, 2)
	market, limit := api.orders[0], api.orders[1]
	assert.Equal(t, "2.497", market["quantity"])
	assert.Empty(t, market["quoteOrderQty"])
	assert.Equal(t, "2.497", limit["quantity"])
	assert.Equal(t, "100.6", limit["price"])
}
