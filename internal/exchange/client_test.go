package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketfeed/internal/breaker"
	"marketfeed/internal/config"
	"marketfeed/internal/errtrack"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(config.ExchangeConfig{BaseURL: srv.URL, StreamURL: "ws://unused"}, breaker.NewRegistry(), errtrack.New(nil))
}

func TestFetchOHLCV(t *testing.T) {
	kline := []interface{}{
		1700000000000, "100.0", "110.0", "90.0", "105.0", "12.5",
		1700000059999, "1300.0", 42, "6.0", "650.0", "0",
	}
	payload, _ := json.Marshal([][]interface{}{kline})

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write(payload)
	})

	candles, err := c.FetchOHLCV(context.Background(), "SOL/USDT", "1m", 0, 500)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	got := candles[0]
	if got.Open != 100.0 || got.High != 110.0 || got.Low != 90.0 || got.Close != 105.0 {
		t.Errorf("unexpected OHLC: %+v", got)
	}
	if got.Symbol != "SOL/USDT" || got.Timeframe != "1m" || !got.Closed {
		t.Errorf("unexpected metadata: %+v", got)
	}
}

func TestFetchOHLCVEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	candles, err := c.FetchOHLCV(context.Background(), "BTC/USDT", "1h", 0, 10)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(candles) != 0 {
		t.Fatalf("expected empty slice, got %d", len(candles))
	}
}

func TestFetchOHLCVServerErrorOpensBreaker(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"internal"}`))
	})

	// Drive past the breaker's failure threshold (10) using independent
	// calls so the registry's "ohlcv" breaker trips to OPEN.
	for i := 0; i < 12; i++ {
		_, _ = c.FetchOHLCV(context.Background(), "ETH/USDT", "5m", 0, 10)
	}

	stats := c.breakers.AllStats()["ohlcv"]
	if stats.State != breaker.StateOpen {
		t.Fatalf("expected breaker open after repeated 5xx, got state=%s calls_seen=%d", stats.State, calls)
	}
}

func TestFetchOrderBookRejectsInvalidDepth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for invalid depth")
	})

	_, err := c.FetchOrderBook(context.Background(), "SOL/USDT", 7)
	if err == nil {
		t.Fatal("expected error for unsupported depth")
	}
}

func TestFetchLiquidations(t *testing.T) {
	payload := []byte(`[{"symbol":"SOLUSDT","side":"SELL","price":"150.25","origQty":"10","time":1700000000000,"orderId":555}]`)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	liqs, err := c.FetchLiquidations(context.Background(), "SOL/USDT", 0, 100)
	if err != nil {
		t.Fatalf("FetchLiquidations: %v", err)
	}
	if len(liqs) != 1 || liqs[0].OrderID != "555" || liqs[0].Side != "SELL" {
		t.Fatalf("unexpected liquidations: %+v", liqs)
	}
}
