package model

import "time"

// Side is the direction of a liquidation or an order-book level.
type Side string

const (
	SideBuy Side = "BUY"
	SideAsk Side = "ASK"
	SideBid Side = "BID"
	SideSell Side = "SELL"
)

// Candle is an OHLCV record keyed by (Time, Symbol, Timeframe).
type Candle struct {
	Time            time.Time
	Symbol          string
	Timeframe       string
	Open            float64
	High            float64
	Low             float64
	Close           float64
	Volume          float64
	QuoteVolume     float64
	Trades          int64
	TakerBuyBase    float64
	TakerBuyQuote   float64
	Closed          bool // false => in-progress candle, may be rewritten next pass
}

// Key returns the entity's uniqueness key as spec.md §3 defines it.
func (c Candle) Key() [3]string {
	return [3]string{c.Time.UTC().Format(time.RFC3339Nano), c.Symbol, c.Timeframe}
}

// OpenInterest is keyed by (Time, Symbol, Period).
type OpenInterest struct {
	Time             time.Time
	Symbol           string
	Period           string
	OpenInterest     float64
	OpenInterestVal  float64
}

func (o OpenInterest) Key() [3]string {
	return [3]string{o.Time.UTC().Format(time.RFC3339Nano), o.Symbol, o.Period}
}

// FundingRate is append-only, keyed by (FundingTime, Symbol).
type FundingRate struct {
	FundingTime time.Time
	Symbol      string
	FundingRate float64
	MarkPrice   float64
}

func (f FundingRate) Key() [2]string {
	return [2]string{f.FundingTime.UTC().Format(time.RFC3339Nano), f.Symbol}
}

// Liquidation is append-only, keyed by OrderID.
type Liquidation struct {
	OrderID  string
	Time     time.Time
	Symbol   string
	Side     Side
	Price    float64
	Quantity float64
}

// LongShortRatio is keyed by (Time, Symbol, Period).
type LongShortRatio struct {
	Time          time.Time
	Symbol        string
	Period        string
	LongShortRatio float64
	LongAccount   float64
	ShortAccount  float64
}

func (r LongShortRatio) Key() [3]string {
	return [3]string{r.Time.UTC().Format(time.RFC3339Nano), r.Symbol, r.Period}
}

// OrderBookLevel is a single price level within an OrderBookSnapshot, keyed
// by (Time, Symbol, Side, Level).
type OrderBookLevel struct {
	Time     time.Time
	Symbol   string
	Side     Side
	Level    int
	Price    float64
	Quantity float64
}

// OrderBookSnapshot is the full-replace-per-timestamp view the Exchange
// Client returns, with the aggregate attributes spec.md §4.4 requires.
type OrderBookSnapshot struct {
	Time      time.Time
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	BestBid   float64
	BestAsk   float64
	Spread    float64
	SpreadBps float64
	MidPrice  float64
}

// ComputeAggregates fills BestBid/BestAsk/Spread/SpreadBps/MidPrice from the
// Bids/Asks slices (S6 in spec.md §8). Bids/Asks must already be sorted
// best-first (highest bid, lowest ask).
func (s *OrderBookSnapshot) ComputeAggregates() {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return
	}
	s.BestBid = s.Bids[0].Price
	s.BestAsk = s.Asks[0].Price
	s.Spread = s.BestAsk - s.BestBid
	s.MidPrice = (s.BestBid + s.BestAsk) / 2
	if s.MidPrice != 0 {
		s.SpreadBps = (s.Spread / s.MidPrice) * 10000
	}
}

// DataVersion is an append-only log record written at the end of each
// successful backfill window.
type DataVersion struct {
	ID          int64
	RunID       string // correlates every DataVersion row written by one backfill invocation
	Table       string
	Symbol      string
	WindowStart time.Time
	WindowEnd   time.Time
	RecordCount int
	Checksum    string
	CreatedAt   time.Time
}
