// Package streaming implements the Streaming Collector from spec.md
// §4.8: websocket ingestion with per-kind batching (N=10 default, 100ms
// flush interval), Cache updates on flush, and the DISCONNECTED ->
// CONNECTING -> OPEN connection lifecycle exposed by exchange.Stream.
// Ported in spirit from the teacher's internal/reader/binance/oi.go
// goroutine-per-symbol model, generalized to one goroutine draining a
// fan-in event channel and flushing per-kind buffers on a ticker.
package streaming

import (
	"context"
	"sync"
	"time"

	"marketfeed/internal/cache"
	"marketfeed/internal/exchange"
	"marketfeed/internal/logger"
	"marketfeed/internal/model"
	"marketfeed/internal/storage"
	"marketfeed/internal/validator"
)

const (
	defaultBatchSize     = 10
	defaultFlushInterval = 100 * time.Millisecond
)

// Collector drains exchange.StreamEvent values into per-kind buffers and
// flushes each to storage (and, if configured, cache) on whichever comes
// first: the buffer reaching batchSize, or flushInterval elapsing.
type Collector struct {
	stream        *exchange.Stream
	store         storage.Storage
	cache         cache.Cache // optional; nil disables cache updates
	log           *logger.Entry
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	candles  []model.Candle
	liqs     []model.Liquidation
	fundings []model.FundingRate

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Collector. c may be nil to disable cache updates,
// per spec.md's optional-Cache component.
func New(stream *exchange.Stream, store storage.Storage, c cache.Cache, log *logger.Entry, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Collector{
		stream: stream, store: store, cache: c,
		log:           log.WithComponent("streaming_collector"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run connects the underlying stream and processes events until ctx is
// cancelled or Stop is called. It blocks until the last batch has been
// flushed, the cooperative-stop guarantee spec.md §4.8 requires.
func (c *Collector) Run(ctx context.Context) error {
	events := make(chan exchange.StreamEvent, 256)
	streamErr := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		streamErr <- c.stream.Run(streamCtx, events)
	}()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	defer close(c.doneCh)

	for {
		select {
		case evt := <-events:
			c.ingest(ctx, evt)
		case <-ticker.C:
			c.flushAll(ctx)
		case <-c.stopCh:
			cancel()
			c.flushAll(ctx)
			return nil
		case <-ctx.Done():
			c.flushAll(ctx)
			return ctx.Err()
		case err := <-streamErr:
			c.flushAll(ctx)
			return err
		}
	}
}

// Stop requests a cooperative shutdown: the in-flight batch is flushed
// before Run returns.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// State exposes the underlying connection FSM state for health checks.
func (c *Collector) State() exchange.ConnState { return c.stream.State() }

func (c *Collector) ingest(ctx context.Context, evt exchange.StreamEvent) {
	c.mu.Lock()
	switch evt.Kind {
	case exchange.StreamKindCandle:
		c.candles = append(c.candles, *evt.Candle)
		flush := len(c.candles) >= c.batchSize
		c.mu.Unlock()
		if flush {
			c.flushCandles(ctx)
		}
		return
	case exchange.StreamKindLiquidation:
		c.liqs = append(c.liqs, *evt.Liq)
		flush := len(c.liqs) >= c.batchSize
		c.mu.Unlock()
		if flush {
			c.flushLiquidations(ctx)
		}
		return
	case exchange.StreamKindMarkPrice:
		c.fundings = append(c.fundings, *evt.Funding)
		flush := len(c.fundings) >= c.batchSize
		c.mu.Unlock()
		if flush {
			c.flushFundingRates(ctx)
		}
		return
	default:
		c.mu.Unlock()
	}
}

func (c *Collector) flushAll(ctx context.Context) {
	c.flushCandles(ctx)
	c.flushLiquidations(ctx)
	c.flushFundingRates(ctx)
}

func (c *Collector) flushCandles(ctx context.Context) {
	c.mu.Lock()
	batch := c.candles
	c.candles = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	byTF := make(map[string][]model.Candle)
	for _, cd := range batch {
		byTF[cd.Timeframe] = append(byTF[cd.Timeframe], cd)
	}
	for tf, group := range byTF {
		if res := validator.ValidateCandles(group, tf); !res.OK() {
			c.log.WithFields(logger.Fields{"checks": res.Fatal}).Error("streamed candle batch failed validation, dropping")
			continue
		}
		if err := c.store.SaveCandles(ctx, group); err != nil {
			c.log.WithError(err).Error("failed to save streamed candles")
			continue
		}
		if c.cache != nil {
			for _, cd := range group {
				key := "latest_candle:" + cd.Symbol + ":" + cd.Timeframe
				if err := c.cache.Set(ctx, key, cd, time.Hour); err != nil {
					c.log.WithError(err).Debug("cache update failed for latest candle")
				}
			}
		}
	}
}

func (c *Collector) flushLiquidations(ctx context.Context) {
	c.mu.Lock()
	batch := c.liqs
	c.liqs = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if res := validator.ValidateLiquidations(batch); !res.OK() {
		c.log.WithFields(logger.Fields{"checks": res.Fatal}).Error("streamed liquidation batch failed validation, dropping")
		return
	}
	if err := c.store.SaveLiquidations(ctx, batch); err != nil {
		c.log.WithError(err).Error("failed to save streamed liquidations")
	}
}

func (c *Collector) flushFundingRates(ctx context.Context) {
	c.mu.Lock()
	batch := c.fundings
	c.fundings = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := c.store.SaveFundingRates(ctx, batch); err != nil {
		c.log.WithError(err).Error("failed to save streamed funding rates")
		return
	}
	if c.cache != nil {
		for _, f := range batch {
			if err := c.cache.Set(ctx, "latest_mark_price:"+f.Symbol, f, time.Minute); err != nil {
				c.log.WithError(err).Debug("cache update failed for latest mark price")
			}
		}
	}
}
