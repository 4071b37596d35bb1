package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/storage"
)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func TestRunReportsUnhealthyWithNoData(t *testing.T) {
	store := newTestStore(t)
	c := New(store, nil, nil, config.CollectionConfig{Symbols: []string{"SOLUSDT"}, Timeframes: []string{"1m"}})

	report := c.Run(context.Background())
	if report.Healthy {
		t.Fatal("expected unhealthy report with no exchange client and no candles")
	}

	var freshness, exchange Check
	for _, chk := range report.Checks {
		switch chk.Name {
		case "data_freshness":
			freshness = chk
		case "exchange":
			exchange = chk
		}
	}
	if freshness.OK {
		t.Error("expected data_freshness check to fail with no candles stored")
	}
	if exchange.OK {
		t.Error("expected exchange check to fail with no client configured")
	}
}

func TestRunReportsHealthyWithFreshCandle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveCandles(ctx, []model.Candle{{
		Time: time.Now().Add(-time.Minute), Symbol: "SOLUSDT", Timeframe: "1m",
		Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Closed: true,
	}}); err != nil {
		t.Fatalf("save candle: %v", err)
	}

	c := New(store, nil, nil, config.CollectionConfig{Symbols: []string{"SOLUSDT"}, Timeframes: []string{"1m"}})
	report := c.Run(ctx)

	for _, chk := range report.Checks {
		if chk.Name == "data_freshness" && !chk.OK {
			t.Errorf("expected fresh candle to pass freshness check, got detail=%q", chk.Detail)
		}
	}
}

func TestRunMarksCacheOKWhenNotConfigured(t *testing.T) {
	store := newTestStore(t)
	c := New(store, nil, nil, config.CollectionConfig{Symbols: []string{"SOLUSDT"}, Timeframes: []string{"1m"}})
	report := c.Run(context.Background())

	for _, chk := range report.Checks {
		if chk.Name == "cache" && !chk.OK {
			t.Error("expected an unconfigured cache to be reported OK, not a failure")
		}
	}
}
