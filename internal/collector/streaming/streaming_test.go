package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
	"marketfeed/internal/logger"
	"marketfeed/internal/model"
	"marketfeed/internal/storage"
)

func newTestCollector(t *testing.T, batchSize int) (*Collector, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "stream.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	c := New(nil, store, nil, logger.Get().WithComponent("test"), batchSize, time.Hour)
	return c, store
}

func candleEvent(minute int) exchange.StreamEvent {
	c := model.Candle{
		Time: time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC), Symbol: "SOLUSDT", Timeframe: "1m",
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1, Closed: true,
	}
	return exchange.StreamEvent{Kind: exchange.StreamKindCandle, Symbol: "SOLUSDT", Candle: &c}
}

func TestIngestFlushesOnBatchSize(t *testing.T) {
	c, store := newTestCollector(t, 2)
	ctx := context.Background()

	c.ingest(ctx, candleEvent(0))
	// Below threshold: nothing written yet.
	got, err := store.GetCandles(ctx, "SOLUSDT", "1m", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no flush before batch size reached, got %d", len(got))
	}

	c.ingest(ctx, candleEvent(1))
	got, err = store.GetCandles(ctx, "SOLUSDT", "1m", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected flush once batch size reached, got %d", len(got))
	}
}

func fundingEvent(minute int) exchange.StreamEvent {
	f := model.FundingRate{
		FundingTime: time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC), Symbol: "SOLUSDT",
		FundingRate: 0.0001, MarkPrice: 150.25,
	}
	return exchange.StreamEvent{Kind: exchange.StreamKindMarkPrice, Symbol: "SOLUSDT", Funding: &f}
}

func TestIngestFlushesFundingRatesOnBatchSize(t *testing.T) {
	c, store := newTestCollector(t, 2)
	ctx := context.Background()

	c.ingest(ctx, fundingEvent(0))
	c.ingest(ctx, fundingEvent(1))

	got, err := store.GetFundingRates(ctx, "SOLUSDT", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("get funding rates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected flush once batch size reached, got %d", len(got))
	}
}

func TestFlushAllFlushesPartialBuffer(t *testing.T) {
	c, store := newTestCollector(t, 10)
	ctx := context.Background()

	c.ingest(ctx, candleEvent(0)) // well below batchSize=10, no auto-flush
	c.flushAll(ctx)

	got, err := store.GetCandles(ctx, "SOLUSDT", "1m", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected flushAll to drain the partial buffer, got %d", len(got))
	}
}

func TestStopFlushesPendingBatchBeforeReturning(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := exchange.New(config.ExchangeConfig{BaseURL: srv.URL, StreamURL: wsURL}, nil, nil)
	stream := client.NewStream([]string{"SOL/USDT"}, "1m")

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "stop.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	c := New(stream, store, nil, logger.Get().WithComponent("test"), 100, time.Hour)
	c.mu.Lock()
	c.candles = append(c.candles, model.Candle{
		Time: time.Now(), Symbol: "SOLUSDT", Timeframe: "1m", Open: 1, High: 1, Low: 1, Close: 1,
	})
	c.mu.Unlock()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	// Let Run reach OPEN before requesting shutdown.
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	got, err := store.GetCandles(context.Background(), "SOLUSDT", "1m", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected Stop to flush the pending candle, got %d", len(got))
	}
}
