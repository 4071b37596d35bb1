// Package validator implements the pure, stateless batch checks from
// spec.md §4.6, ported from the Python original's
// data_quality/validator.py (validate_ohlcv/validate_oi/validate_funding_rate)
// and restructured around the spec's fatal/non-fatal split: a batch failing
// a fatal check is rejected outright, a batch failing a non-fatal check is
// logged and still written.
package validator

import (
	"fmt"
	"time"

	"marketfeed/internal/model"
)

// Result is the outcome of validating one batch.
type Result struct {
	Fatal      []string // names of failed fatal checks; non-empty => reject batch
	NonFatal   []string // names of failed non-fatal checks; batch still written
	Gaps       []time.Time
}

func (r Result) OK() bool { return len(r.Fatal) == 0 }

var timeframeSeconds = map[string]float64{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "4h": 14400, "1d": 86400,
}

// ValidateCandles runs the OHLCV checks from spec.md §4.6/§8 property 1.
// Fatal: null-in-required-field (zero Symbol/Timeframe), OHLC inequality,
// duplicate key within batch. Non-fatal: time-continuity gap,
// price-return exceeding 10%.
func ValidateCandles(batch []model.Candle, timeframe string) Result {
	var res Result
	if len(batch) == 0 {
		return res
	}

	seen := make(map[[3]string]struct{}, len(batch))
	for _, c := range batch {
		if c.Symbol == "" || c.Timeframe == "" {
			addOnce(&res.Fatal, "null_in_required_field")
		}
		if !validOHLC(c) {
			addOnce(&res.Fatal, "valid_ohlc")
		}
		key := c.Key()
		if _, dup := seen[key]; dup {
			addOnce(&res.Fatal, "duplicate_key_in_batch")
		}
		seen[key] = struct{}{}
	}

	if len(res.Fatal) > 0 {
		return res
	}

	sorted := sortedByTime(batch)
	expected := timeframeSeconds[timeframe]
	if expected == 0 {
		expected = 300
	}
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Time.Sub(sorted[i-1].Time).Seconds()
		if gap > expected*1.5 {
			res.Gaps = append(res.Gaps, sorted[i-1].Time)
		}
	}
	if len(res.Gaps) > 0 {
		addOnce(&res.NonFatal, "time_continuity_gap")
	}

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Close == 0 {
			continue
		}
		ret := (sorted[i].Close - sorted[i-1].Close) / sorted[i-1].Close
		if ret > 0.10 || ret < -0.10 {
			addOnce(&res.NonFatal, "price_return_exceeds_10pct")
			break
		}
	}

	return res
}

func validOHLC(c model.Candle) bool {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return false
	}
	minOC := min2(c.Open, c.Close)
	maxOC := max2(c.Open, c.Close)
	return c.Low <= minOC && minOC <= maxOC && maxOC <= c.High
}

// ValidateOpenInterest runs the OI checks from spec.md §4.6. Fatal:
// null-in-required-field, non-positive OI, duplicate key within batch.
func ValidateOpenInterest(batch []model.OpenInterest) Result {
	var res Result
	seen := make(map[[3]string]struct{}, len(batch))
	for _, o := range batch {
		if o.Symbol == "" || o.Period == "" {
			addOnce(&res.Fatal, "null_in_required_field")
		}
		if o.OpenInterest <= 0 {
			addOnce(&res.Fatal, "non_positive_oi")
		}
		key := o.Key()
		if _, dup := seen[key]; dup {
			addOnce(&res.Fatal, "duplicate_key_in_batch")
		}
		seen[key] = struct{}{}
	}
	return res
}

// ValidateFundingRates runs the fatal null-field and duplicate-key checks,
// plus the non-fatal "reasonable range" check from the Python original
// (rates outside ±2%, i.e. ±0.02, are flagged).
func ValidateFundingRates(batch []model.FundingRate) Result {
	var res Result
	seen := make(map[[2]string]struct{}, len(batch))
	for _, f := range batch {
		if f.Symbol == "" {
			addOnce(&res.Fatal, "null_in_required_field")
		}
		key := f.Key()
		if _, dup := seen[key]; dup {
			addOnce(&res.Fatal, "duplicate_key_in_batch")
		}
		seen[key] = struct{}{}
		if f.FundingRate < -0.02 || f.FundingRate > 0.02 {
			addOnce(&res.NonFatal, "funding_rate_out_of_typical_range")
		}
	}
	return res
}

// ValidateLiquidations runs the fatal checks for liquidation batches.
// Duplicate order_id within a batch is absorbed silently (spec.md §3), not
// treated as fatal, so it is intentionally not checked here.
func ValidateLiquidations(batch []model.Liquidation) Result {
	var res Result
	for _, l := range batch {
		if l.Symbol == "" || l.OrderID == "" {
			addOnce(&res.Fatal, "null_in_required_field")
		}
		if l.Side != model.SideBuy && l.Side != model.SideSell {
			addOnce(&res.Fatal, "invalid_liquidation_side")
		}
	}
	return res
}

func addOnce(list *[]string, name string) {
	for _, v := range *list {
		if v == name {
			return
		}
	}
	*list = append(*list, name)
}

func sortedByTime(batch []model.Candle) []model.Candle {
	out := make([]model.Candle, len(batch))
	copy(out, batch)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Time.After(out[j].Time); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max2(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ErrFatal formats a fatal-check failure for the Error Tracker context.
func ErrFatal(checks []string) error {
	return fmt.Errorf("validation failed: %v", checks)
}
