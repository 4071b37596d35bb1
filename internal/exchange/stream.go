package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/internal/model"
)

// StreamKind identifies which combined-stream payload a StreamEvent carries.
type StreamKind string

const (
	StreamKindCandle      StreamKind = "candle"
	StreamKindOpenInterest StreamKind = "open_interest"
	StreamKindLiquidation StreamKind = "liquidation"
	StreamKindMarkPrice   StreamKind = "mark_price"
)

// StreamEvent is one decoded message handed to the Streaming Collector.
type StreamEvent struct {
	Kind      StreamKind
	Symbol    string
	Candle    *model.Candle
	OI        *model.OpenInterest
	Liq       *model.Liquidation
	Funding   *model.FundingRate
}

// ConnState mirrors the streaming collector FSM in spec.md §4.8.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnOpen         ConnState = "OPEN"
)

// Stream manages one reconnecting websocket over Binance's combined-stream
// endpoint, grounded on the teacher's internal/reader/binance/oi.go
// streamSymbol reconnect loop, generalized to multiplex several stream
// kinds (kline, forceOrder, markPrice) over a single connection the way
// Binance's /stream?streams= endpoint allows. Order-book depth is fetched
// over REST only (spec.md §4.4's fetch_order_book), not subscribed here.
type Stream struct {
	url    string
	dialer websocket.Dialer

	mu    sync.RWMutex
	state ConnState
}

// subscriptions builds the combined-stream names for the requested symbols,
// three per symbol, e.g. "solusdt@kline_1m", "solusdt@forceOrder",
// "solusdt@markPrice".
func subscriptions(symbols []string, timeframe string) []string {
	out := make([]string, 0, len(symbols)*3)
	for _, s := range symbols {
		sym := strings.ToLower(strings.ReplaceAll(s, "/", ""))
		out = append(out,
			fmt.Sprintf("%s@kline_%s", sym, timeframe),
			fmt.Sprintf("%s@forceOrder", sym),
			fmt.Sprintf("%s@markPrice", sym),
		)
	}
	return out
}

// NewStream constructs a multiplexed stream subscription for the given
// symbols/timeframe against the exchange's combined-stream endpoint.
func (c *Client) NewStream(symbols []string, timeframe string) *Stream {
	streams := strings.Join(subscriptions(symbols, timeframe), "/")
	url := fmt.Sprintf("%s?streams=%s", c.streamURL, streams)
	return &Stream{
		url:   url,
		state: ConnDisconnected,
	}
}

func (s *Stream) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Stream) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Run connects and decodes events onto events until ctx is cancelled,
// reconnecting with exponential backoff (1s, 2s, 4s, ... capped at 60s) on
// every disconnect, per spec.md §4.8.
func (s *Stream) Run(ctx context.Context, events chan<- StreamEvent) error {
	backoffDelay := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if ctx.Err() != nil {
			s.setState(ConnDisconnected)
			return ctx.Err()
		}

		s.setState(ConnConnecting)
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.setState(ConnDisconnected)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
			continue
		}

		s.setState(ConnOpen)
		backoffDelay = time.Second

		closeOnCancel := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-closeOnCancel:
			}
		}()

		readErr := s.readLoop(ctx, conn, events)
		close(closeOnCancel)
		conn.Close()
		s.setState(ConnDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if readErr != nil {
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- StreamEvent) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		evt, ok := decodeEnvelope(raw)
		if !ok {
			continue
		}
		select {
		case events <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}

func decodeEnvelope(raw []byte) (StreamEvent, bool) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		return StreamEvent{}, false
	}

	switch {
	case strings.Contains(env.Stream, "@kline_"):
		return decodeKline(env.Data)
	case strings.Contains(env.Stream, "@forceOrder"):
		return decodeForceOrder(env.Data)
	case strings.Contains(env.Stream, "@markPrice"):
		return decodeMarkPrice(env.Data)
	default:
		return StreamEvent{}, false
	}
}

type klineEnvelope struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Trades    int64  `json:"n"`
		Closed    bool   `json:"x"`
		QuoteVol  string `json:"q"`
		TakerBase string `json:"V"`
		TakerQuote string `json:"Q"`
	} `json:"k"`
}

func decodeKline(data json.RawMessage) (StreamEvent, bool) {
	var k klineEnvelope
	if err := json.Unmarshal(data, &k); err != nil {
		return StreamEvent{}, false
	}
	c := model.Candle{
		Time:          time.UnixMilli(k.Kline.CloseTime).UTC(),
		Symbol:        k.Symbol,
		Timeframe:     k.Kline.Interval,
		Open:          toFloat(k.Kline.Open),
		High:          toFloat(k.Kline.High),
		Low:           toFloat(k.Kline.Low),
		Close:         toFloat(k.Kline.Close),
		Volume:        toFloat(k.Kline.Volume),
		QuoteVolume:   toFloat(k.Kline.QuoteVol),
		Trades:        k.Kline.Trades,
		TakerBuyBase:  toFloat(k.Kline.TakerBase),
		TakerBuyQuote: toFloat(k.Kline.TakerQuote),
		Closed:        k.Kline.Closed,
	}
	return StreamEvent{Kind: StreamKindCandle, Symbol: k.Symbol, Candle: &c}, true
}

type forceOrderEnvelope struct {
	Order struct {
		Symbol  string `json:"s"`
		Side    string `json:"S"`
		Price   string `json:"p"`
		Qty     string `json:"q"`
		Time    int64  `json:"T"`
		TradeID int64  `json:"i"`
	} `json:"o"`
}

func decodeForceOrder(data json.RawMessage) (StreamEvent, bool) {
	var f forceOrderEnvelope
	if err := json.Unmarshal(data, &f); err != nil {
		return StreamEvent{}, false
	}
	l := model.Liquidation{
		OrderID:  strconv.FormatInt(f.Order.TradeID, 10),
		Time:     time.UnixMilli(f.Order.Time).UTC(),
		Symbol:   f.Order.Symbol,
		Side:     model.Side(f.Order.Side),
		Price:    toFloat(f.Order.Price),
		Quantity: toFloat(f.Order.Qty),
	}
	return StreamEvent{Kind: StreamKindLiquidation, Symbol: f.Order.Symbol, Liq: &l}, true
}

// markPriceEnvelope decodes Binance's markPriceUpdate payload: "p" is the
// mark price, "r" the current funding rate, "T" the next funding time.
type markPriceEnvelope struct {
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

func decodeMarkPrice(data json.RawMessage) (StreamEvent, bool) {
	var m markPriceEnvelope
	if err := json.Unmarshal(data, &m); err != nil {
		return StreamEvent{}, false
	}
	f := model.FundingRate{
		FundingTime: time.UnixMilli(m.NextFunding).UTC(),
		Symbol:      m.Symbol,
		FundingRate: decimalToFloat(m.FundingRate),
		MarkPrice:   decimalToFloat(m.MarkPrice),
	}
	return StreamEvent{Kind: StreamKindMarkPrice, Symbol: m.Symbol, Funding: &f}, true
}
