package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStreamMessageEnvelope(t *testing.T) {
	raw := `{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}`

	var msg StreamMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msg.Stream != "btcusdt@depth" {
		t.Fatalf("unexpected stream %q", msg.Stream)
	}

	var depth BinanceDepthResp
	if err := json.Unmarshal(msg.Data, &depth); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if depth.Event != "depthUpdate" || depth.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected payload %+v", depth)
	}
}

func TestDepthDiffConversion(t *testing.T) {
	raw := `{
		"e":"depthUpdate","E":1700000000100,"T":1700000000090,"s":"BTCUSDT",
		"U":101,"u":105,"pu":100,
		"b":[["10.00","0"],["9.99","2"]],
		"a":[["10.01","1.5"]]
	}`

	var resp BinanceDepthResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	receivedAt := time.UnixMilli(1700000000200)
	diff := resp.Diff(receivedAt)

	if diff.Symbol != "BTCUSDT" || diff.FirstUpdateID != 101 || diff.FinalUpdateID != 105 || diff.PrevFinalUpdateID != 100 {
		t.Fatalf("unexpected diff header %+v", diff)
	}
	if diff.EventTime != 1700000000100 || diff.TransactionTime != 1700000000090 {
		t.Fatalf("unexpected diff times %+v", diff)
	}
	if !diff.ReceivedAt.Equal(receivedAt) {
		t.Fatalf("unexpected received at %v", diff.ReceivedAt)
	}

	// The zero quantity survives conversion as a deletion marker.
	if len(diff.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(diff.Bids))
	}
	if diff.Bids[0].Price != "10.00" || diff.Bids[0].Quantity != 0 {
		t.Fatalf("expected zero-quantity level kept, got %+v", diff.Bids[0])
	}
	if diff.Bids[1].Price != "9.99" || diff.Bids[1].Quantity != 2 {
		t.Fatalf("unexpected bid level %+v", diff.Bids[1])
	}
	if len(diff.Asks) != 1 || diff.Asks[0].Quantity != 1.5 {
		t.Fatalf("unexpected asks %+v", diff.Asks)
	}
}

func TestParseLevelsSkipsMalformedPairs(t *testing.T) {
	levels := parseLevels([][]string{
		{"10.00"},
		{"bad", "1"},
		{"10.01", "bad"},
		{"10.02", "3"},
	})
	if len(levels) != 1 {
		t.Fatalf("expected 1 valid level, got %d", len(levels))
	}
	if levels[0].Price != "10.02" || levels[0].Quantity != 3 {
		t.Fatalf("unexpected level %+v", levels[0])
	}
}

func TestAggTradeConversion(t *testing.T) {
	raw := `{
		"e":"aggTrade","E":1700000000100,"s":"BTCUSDT",
		"a":42,"p":"25000.50","q":"0.75","f":100,"l":102,
		"T":1700000000095,"m":true
	}`

	var resp BinanceAggTradeResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	trade, err := resp.Trade()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if trade.Symbol != "BTCUSDT" || trade.TradeID != 42 {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if trade.Price != 25000.50 || trade.Quantity != 0.75 {
		t.Fatalf("unexpected trade numbers %+v", trade)
	}
	if trade.FirstLegID != 100 || trade.LastLegID != 102 {
		t.Fatalf("unexpected leg ids %+v", trade)
	}
	// Buyer was the maker, so the taker sold.
	if !trade.TakerIsSeller {
		t.Fatal("expected taker-is-seller from buyer-is-maker flag")
	}
}

func TestAggTradeRejectsBadNumbers(t *testing.T) {
	resp := BinanceAggTradeResp{Price: "bad", Quantity: "1"}
	if _, err := resp.Trade(); err == nil {
		t.Fatal("expected error on unparsable price")
	}
	resp = BinanceAggTradeResp{Price: "1", Quantity: "bad"}
	if _, err := resp.Trade(); err == nil {
		t.Fatal("expected error on unparsable quantity")
	}
}

func TestForceOrderConversion(t *testing.T) {
	raw := `{
		"e":"forceOrder","E":1700000000100,
		"o":{
			"s":"ETHUSDT","S":"SELL","o":"LIMIT","f":"IOC",
			"q":"10","p":"2000.5","ap":"1999.8","X":"FILLED",
			"l":"4","z":"10","T":1700000000095
		}
	}`

	var resp BinanceForceOrderResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	liq, err := resp.Liquidation()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if liq.Symbol != "ETHUSDT" || liq.Side != "SELL" || liq.OrderType != "LIMIT" || liq.TimeInForce != "IOC" {
		t.Fatalf("unexpected liquidation %+v", liq)
	}
	if liq.Quantity != 10 || liq.Price != 2000.5 || liq.AvgPrice != 1999.8 {
		t.Fatalf("unexpected liquidation numbers %+v", liq)
	}
	if liq.Status != "FILLED" || liq.LastFillQty != 4 || liq.CumulativeFillQty != 10 {
		t.Fatalf("unexpected fill state %+v", liq)
	}
	if liq.EventTime != 1700000000100 || liq.TransactionTime != 1700000000095 {
		t.Fatalf("unexpected times %+v", liq)
	}
}

func TestForceOrderRejectsBadNumbers(t *testing.T) {
	var resp BinanceForceOrderResp
	resp.Order.Quantity = "bad"
	resp.Order.Price = "1"
	resp.Order.AvgPrice = "1"
	resp.Order.LastFillQty = "1"
	resp.Order.FilledQty = "1"
	if _, err := resp.Liquidation(); err == nil {
		t.Fatal("expected error on unparsable quantity")
	}
}

func TestSnapshotConversion(t *testing.T) {
	raw := `{
		"lastUpdateId":100,"E":1700000000050,"T":1700000000040,
		"bids":[["10.00","5"]],
		"asks":[["10.01","3"]]
	}`

	var resp BinanceDepthSnapshotResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	fetchTime := time.UnixMilli(1700000000060)
	snap := resp.Snapshot("BTCUSDT", fetchTime)
	if snap.Symbol != "BTCUSDT" || snap.LastUpdateID != 100 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != "10.00" || snap.Bids[0].Quantity != 5 {
		t.Fatalf("unexpected bids %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Quantity != 3 {
		t.Fatalf("unexpected asks %+v", snap.Asks)
	}
	if !snap.FetchTime.Equal(fetchTime) {
		t.Fatalf("unexpected fetch time %v", snap.FetchTime)
	}
}

func TestMarketEventSymbol(t *testing.T) {
	book := NewOrderBook("BTCUSDT")

	if got := NewBookEvent(book).Symbol(); got != "BTCUSDT" {
		t.Fatalf("book event symbol: %q", got)
	}
	if got := NewTradeEvent(&TradeEvent{Symbol: "ETHUSDT"}).Symbol(); got != "ETHUSDT" {
		t.Fatalf("trade event symbol: %q", got)
	}
	if got := NewLiquidationEvent(&LiquidationEvent{Symbol: "SOLUSDT"}).Symbol(); got != "SOLUSDT" {
		t.Fatalf("liquidation event symbol: %q", got)
	}
	if got := (MarketEvent{Kind: KindBook}).Symbol(); got != "" {
		t.Fatalf("expected empty symbol for nil payload, got %q", got)
	}
}
