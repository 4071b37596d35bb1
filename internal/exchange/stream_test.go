package exchange

import "testing"

func TestDecodeEnvelopeKline(t *testing.T) {
	raw := []byte(`{"stream":"solusdt@kline_1m","data":{"s":"SOLUSDT","k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"100.0","h":"110.0","l":"90.0","c":"105.0","v":"12.5","n":42,"x":true,"q":"1300.0","V":"6.0","Q":"650.0"}}}`)

	evt, ok := decodeEnvelope(raw)
	if !ok {
		t.Fatal("expected decode ok")
	}
	if evt.Kind != StreamKindCandle || evt.Candle == nil {
		t.Fatalf("expected candle event, got %+v", evt)
	}
	if evt.Candle.Symbol != "SOLUSDT" || !evt.Candle.Closed {
		t.Errorf("unexpected candle: %+v", evt.Candle)
	}
	if evt.Candle.Close != 105.0 {
		t.Errorf("expected close 105.0, got %v", evt.Candle.Close)
	}
}

func TestDecodeEnvelopeForceOrder(t *testing.T) {
	raw := []byte(`{"stream":"solusdt@forceOrder","data":{"o":{"s":"SOLUSDT","S":"SELL","p":"150.25","q":"10","T":1700000000000,"i":555}}}`)

	evt, ok := decodeEnvelope(raw)
	if !ok {
		t.Fatal("expected decode ok")
	}
	if evt.Kind != StreamKindLiquidation || evt.Liq == nil {
		t.Fatalf("expected liquidation event, got %+v", evt)
	}
	if evt.Liq.OrderID != "555" || evt.Liq.Side != "SELL" {
		t.Errorf("unexpected liquidation: %+v", evt.Liq)
	}
}

func TestDecodeEnvelopeMarkPrice(t *testing.T) {
	raw := []byte(`{"stream":"solusdt@markPrice","data":{"s":"SOLUSDT","p":"150.25","r":"0.0001","T":1700000000000}}`)

	evt, ok := decodeEnvelope(raw)
	if !ok {
		t.Fatal("expected decode ok")
	}
	if evt.Kind != StreamKindMarkPrice || evt.Funding == nil {
		t.Fatalf("expected mark price event, got %+v", evt)
	}
	if evt.Funding.MarkPrice != 150.25 || evt.Funding.FundingRate != 0.0001 {
		t.Errorf("unexpected funding fields: %+v", evt.Funding)
	}
}

func TestDecodeEnvelopeUnknownStreamIgnored(t *testing.T) {
	raw := []byte(`{"stream":"solusdt@bookTicker","data":{}}`)
	if _, ok := decodeEnvelope(raw); ok {
		t.Fatal("expected unknown stream to be ignored")
	}
}

func TestSubscriptionsBuildsExpectedSegments(t *testing.T) {
	segs := subscriptions([]string{"SOL/USDT"}, "1m")
	want := []string{"solusdt@kline_1m", "solusdt@forceOrder", "solusdt@markPrice"}
	if len(segs) != len(want) {
		t.Fatalf("expected %d segments, got %d: %v", len(want), len(segs), segs)
	}
	for i, w := range want {
		if segs[i] != w {
			t.Errorf("segment %d: expected %q, got %q", i, w, segs[i])
		}
	}
}
