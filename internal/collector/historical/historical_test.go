package historical

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/logger"
	"marketfeed/internal/model"
	"marketfeed/internal/storage"
)

type fakeExchange struct {
	mu      sync.Mutex
	pages   [][]model.Candle
	oi      [][]model.OpenInterest
	funding [][]model.FundingRate
	liqs    [][]model.Liquidation
	ratio   [][]model.LongShortRatio
	book    model.OrderBookSnapshot
	bookErr error
	calls   int
	oiCalls int
	fCalls  int
	lCalls  int
	rCalls  int
}

func (f *fakeExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeExchange) FetchOpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]model.OpenInterest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.oiCalls >= len(f.oi) {
		return nil, nil
	}
	page := f.oi[f.oiCalls]
	f.oiCalls++
	return page, nil
}

func (f *fakeExchange) FetchFundingRate(ctx context.Context, symbol string, startTime int64, limit int) ([]model.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fCalls >= len(f.funding) {
		return nil, nil
	}
	page := f.funding[f.fCalls]
	f.fCalls++
	return page, nil
}

func (f *fakeExchange) FetchLiquidations(ctx context.Context, symbol string, startTime int64, limit int) ([]model.Liquidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lCalls >= len(f.liqs) {
		return nil, nil
	}
	page := f.liqs[f.lCalls]
	f.lCalls++
	return page, nil
}

func (f *fakeExchange) FetchTopTraderRatio(ctx context.Context, symbol, period string, startTime int64, limit int) ([]model.LongShortRatio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rCalls >= len(f.ratio) {
		return nil, nil
	}
	page := f.ratio[f.rCalls]
	f.rCalls++
	return page, nil
}

func (f *fakeExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book, f.bookErr
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "hist.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func candleAt(minute int) model.Candle {
	return model.Candle{
		Time: time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC), Symbol: "SOL/USDT", Timeframe: "1m",
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1, Closed: true,
	}
}

func TestCollectOHLCVRangePaginatesAndDedupes(t *testing.T) {
	fake := &fakeExchange{pages: [][]model.Candle{
		{candleAt(0), candleAt(1)},
		{candleAt(1), candleAt(2)}, // overlapping page, minute 1 repeated
	}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	res, err := c.CollectOHLCVRange(context.Background(), "SOL/USDT", "1m", start, end)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.RecordsWritten != 3 {
		t.Fatalf("expected 3 deduplicated records, got %d", res.RecordsWritten)
	}

	got, err := store.GetCandles(context.Background(), "SOL/USDT", "1m", start, end)
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 stored candles, got %d", len(got))
	}

	v, ok, err := store.LatestDataVersion(context.Background(), "candles", "SOL/USDT")
	if err != nil || !ok {
		t.Fatalf("expected data version recorded: ok=%v err=%v", ok, err)
	}
	if v.RecordCount != 3 {
		t.Errorf("expected data version record_count=3, got %d", v.RecordCount)
	}
}

func TestCollectOHLCVRangeClipsToEnd(t *testing.T) {
	fake := &fakeExchange{pages: [][]model.Candle{
		{candleAt(0), candleAt(1), candleAt(10)}, // minute 10 is past the requested end
	}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)

	res, err := c.CollectOHLCVRange(context.Background(), "SOL/USDT", "1m", start, end)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.RecordsWritten != 2 {
		t.Fatalf("expected clip to drop the out-of-range candle, got %d records", res.RecordsWritten)
	}
}

func TestCollectAllConcurrentRunsEveryJob(t *testing.T) {
	fake := &fakeExchange{pages: [][]model.Candle{
		{candleAt(0)},
	}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	jobs := []Job{
		{Symbol: "SOL/USDT", Timeframe: "1m", Start: start, End: end},
		{Symbol: "BTC/USDT", Timeframe: "1m", Start: start, End: end},
	}

	results, err := c.CollectAllConcurrent(context.Background(), jobs, 2)
	if err != nil {
		t.Fatalf("collect all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestCollectAllConcurrentDispatchesEveryResource(t *testing.T) {
	fake := &fakeExchange{
		pages:   [][]model.Candle{{candleAt(0)}},
		oi:      [][]model.OpenInterest{{{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", Period: "5m", OpenInterest: 1}}},
		funding: [][]model.FundingRate{{{FundingTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", FundingRate: 0.0001, MarkPrice: 100}}},
		liqs:    [][]model.Liquidation{{{OrderID: "1", Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", Side: model.SideSell, Price: 100, Quantity: 1}}},
		ratio:   [][]model.LongShortRatio{{{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", Period: "5m", LongShortRatio: 1.2}}},
		book: model.OrderBookSnapshot{
			Time: time.Now().UTC(), Symbol: "SOL/USDT",
			Bids: []model.OrderBookLevel{{Price: 100, Quantity: 1}},
			Asks: []model.OrderBookLevel{{Price: 101, Quantity: 1}},
		},
	}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	jobs := []Job{
		{Resource: ResourceOHLCV, Symbol: "SOL/USDT", Timeframe: "1m", Start: start, End: end},
		{Resource: ResourceOpenInterest, Symbol: "SOL/USDT", Period: "5m", Start: start, End: end},
		{Resource: ResourceFunding, Symbol: "SOL/USDT", Start: start, End: end},
		{Resource: ResourceLiquidations, Symbol: "SOL/USDT", Start: start, End: end},
		{Resource: ResourceRatio, Symbol: "SOL/USDT", Period: "5m", Start: start, End: end},
		{Resource: ResourceOrderBook, Symbol: "SOL/USDT", Depth: 20, Start: start, End: end},
	}

	results, err := c.CollectAllConcurrent(context.Background(), jobs, 0)
	if err != nil {
		t.Fatalf("collect all: %v", err)
	}
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}
	for i, res := range results {
		if res.RecordsWritten == 0 {
			t.Errorf("job %d (%s): expected records written, got 0", i, jobs[i].Resource)
		}
	}
}

func TestCollectFundingRangeAppendsWithoutOverwrite(t *testing.T) {
	fr := model.FundingRate{FundingTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", FundingRate: 0.0001, MarkPrice: 100}
	fake := &fakeExchange{funding: [][]model.FundingRate{{fr}}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	res, err := c.CollectFundingRange(context.Background(), "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("collect funding: %v", err)
	}
	if res.RecordsWritten != 1 {
		t.Fatalf("expected 1 record, got %d", res.RecordsWritten)
	}

	got, err := store.GetFundingRates(context.Background(), "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("get funding rates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 stored funding rate, got %d", len(got))
	}

	// A repeat write for the same key must leave the stored row unchanged.
	changed := fr
	changed.FundingRate = 0.0005
	if err := store.SaveFundingRates(context.Background(), []model.FundingRate{changed}); err != nil {
		t.Fatalf("save repeat funding rate: %v", err)
	}
	got, err = store.GetFundingRates(context.Background(), "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("get funding rates after repeat: %v", err)
	}
	if len(got) != 1 || got[0].FundingRate != 0.0001 {
		t.Fatalf("expected the original funding rate 0.0001 to be kept, got %+v", got)
	}
}

func TestCollectLiquidationsRangeDedupesByOrderID(t *testing.T) {
	fake := &fakeExchange{liqs: [][]model.Liquidation{
		{
			{OrderID: "1", Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Symbol: "SOL/USDT", Side: model.SideSell, Price: 100, Quantity: 1},
			{OrderID: "2", Time: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), Symbol: "SOL/USDT", Side: model.SideBuy, Price: 101, Quantity: 2},
		},
		{
			{OrderID: "2", Time: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), Symbol: "SOL/USDT", Side: model.SideBuy, Price: 101, Quantity: 2},
		},
	}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	res, err := c.CollectLiquidationsRange(context.Background(), "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("collect liquidations: %v", err)
	}
	if res.RecordsWritten != 2 {
		t.Fatalf("expected 2 deduplicated records, got %d", res.RecordsWritten)
	}
}

func TestCollectOrderBookRangeSavesCurrentSnapshot(t *testing.T) {
	fake := &fakeExchange{book: model.OrderBookSnapshot{
		Time:   time.Now().UTC(),
		Symbol: "SOL/USDT",
		Bids:   []model.OrderBookLevel{{Price: 100, Quantity: 1}},
		Asks:   []model.OrderBookLevel{{Price: 101, Quantity: 1}},
	}}
	store := newTestStore(t)
	c := &Collector{client: fake, store: store, log: logger.Get().WithComponent("test")}

	start := time.Now().UTC().Add(-time.Hour)
	end := time.Now().UTC()

	res, err := c.CollectOrderBookRange(context.Background(), "SOL/USDT", 20, start, end)
	if err != nil {
		t.Fatalf("collect order book: %v", err)
	}
	if res.RecordsWritten != 2 {
		t.Fatalf("expected 2 levels written, got %d", res.RecordsWritten)
	}

	snap, ok, err := store.GetLatestOrderBookSnapshot(context.Background(), "SOL/USDT")
	if err != nil || !ok {
		t.Fatalf("get order book: ok=%v err=%v", ok, err)
	}
	if snap.Symbol != "SOL/USDT" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
