package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StreamMessage is the combined-stream envelope wrapping every websocket
// payload: {"stream":"btcusdt@depth","data":{...}}.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceDepthResp mirrors Binance's futures diff depth websocket event.
type BinanceDepthResp struct {
	Event            string     `json:"e"`
	Time             int64      `json:"E"`
	TransactionTime  int64      `json:"T"`
	Symbol           string     `json:"s"`
	FirstUpdateID    int64      `json:"U"`
	LastUpdateID     int64      `json:"u"`
	PrevLastUpdateID int64      `json:"pu"`
	Bids             [][]string `json:"b"`
	Asks             [][]string `json:"a"`
}

// BinanceAggTradeResp mirrors the aggTrade websocket event.
type BinanceAggTradeResp struct {
	Event        string `json:"e"`
	Time         int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// BinanceForceOrderResp mirrors the forceOrder websocket event. The order
// itself is nested under "o".
type BinanceForceOrderResp struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol      string `json:"s"`
		Side        string `json:"S"`
		OrderType   string `json:"o"`
		TimeInForce string `json:"f"`
		Quantity    string `json:"q"`
		Price       string `json:"p"`
		AvgPrice    string `json:"ap"`
		Status      string `json:"X"`
		LastFillQty string `json:"l"`
		FilledQty   string `json:"z"`
		TradeTime   int64  `json:"T"`
	} `json:"o"`
}

// BinanceDepthSnapshotResp mirrors the REST depth endpoint response.
type BinanceDepthSnapshotResp struct {
	LastUpdateID    int64      `json:"lastUpdateId"`
	MessageTime     int64      `json:"E"`
	TransactionTime int64      `json:"T"`
	Bids            [][]string `json:"bids"`
	Asks            [][]string `json:"asks"`
}

// parseLevels converts [price, quantity] string pairs into price levels.
// Zero quantities are kept: they are deletion markers for the book. Malformed
// pairs are skipped rather than failing the whole event.
func parseLevels(pairs [][]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		if _, err := strconv.ParseFloat(pair[0], 64); err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			continue
		}
		levels = append(levels, PriceLevel{Price: pair[0], Quantity: qty})
	}
	return levels
}

// Diff converts the wire event into a DepthDiff.
func (r *BinanceDepthResp) Diff(receivedAt time.Time) *DepthDiff {
	return &DepthDiff{
		Symbol:            r.Symbol,
		EventTime:         r.Time,
		TransactionTime:   r.TransactionTime,
		FirstUpdateID:     r.FirstUpdateID,
		FinalUpdateID:     r.LastUpdateID,
		PrevFinalUpdateID: r.PrevLastUpdateID,
		Bids:              parseLevels(r.Bids),
		Asks:              parseLevels(r.Asks),
		ReceivedAt:        receivedAt,
	}
}

// Trade converts the wire event into a TradeEvent. The taker sold when the
// buyer was the maker.
func (r *BinanceAggTradeResp) Trade() (*TradeEvent, error) {
	price, err := strconv.ParseFloat(r.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse trade price %q: %w", r.Price, err)
	}
	qty, err := strconv.ParseFloat(r.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("parse trade quantity %q: %w", r.Quantity, err)
	}
	return &TradeEvent{
		Symbol:        r.Symbol,
		TradeID:       r.TradeID,
		Price:         price,
		Quantity:      qty,
		FirstLegID:    r.FirstTradeID,
		LastLegID:     r.LastTradeID,
		EventTime:     r.Time,
		TradeTime:     r.TradeTime,
		TakerIsSeller: r.IsBuyerMaker,
	}, nil
}

// Liquidation converts the wire event into a LiquidationEvent.
func (r *BinanceForceOrderResp) Liquidation() (*LiquidationEvent, error) {
	qty, err := strconv.ParseFloat(r.Order.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation quantity %q: %w", r.Order.Quantity, err)
	}
	price, err := strconv.ParseFloat(r.Order.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation price %q: %w", r.Order.Price, err)
	}
	avgPrice, err := strconv.ParseFloat(r.Order.AvgPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation avg price %q: %w", r.Order.AvgPrice, err)
	}
	lastFill, err := strconv.ParseFloat(r.Order.LastFillQty, 64)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation last fill %q: %w", r.Order.LastFillQty, err)
	}
	filled, err := strconv.ParseFloat(r.Order.FilledQty, 64)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation filled quantity %q: %w", r.Order.FilledQty, err)
	}
	return &LiquidationEvent{
		Symbol:            r.Order.Symbol,
		Side:              r.Order.Side,
		OrderType:         r.Order.OrderType,
		TimeInForce:       r.Order.TimeInForce,
		Quantity:          qty,
		Price:             price,
		AvgPrice:          avgPrice,
		Status:            r.Order.Status,
		LastFillQty:       lastFill,
		CumulativeFillQty: filled,
		EventTime:         r.Time,
		TransactionTime:   r.Order.TradeTime,
	}, nil
}

// Snapshot converts the REST response into a DepthSnapshot.
func (r *BinanceDepthSnapshotResp) Snapshot(symbol string, fetchTime time.Time) *DepthSnapshot {
	return &DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: r.LastUpdateID,
		Bids:         parseLevels(r.Bids),
		Asks:         parseLevels(r.Asks),
		FetchTime:    fetchTime,
	}
}
