package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// OrderBook holds the reconstructed limit order book for one symbol. Price
// levels are keyed by the exchange's price string so no precision is lost
// before persistence. The instance is owned and mutated exclusively by the
// symbol's synchronizer; everything handed downstream is a Clone.
type OrderBook struct {
	Symbol        string             `json:"symbol"`
	Bids          map[string]float64 `json:"bids"`
	Asks          map[string]float64 `json:"asks"`
	LastUpdateID  int64              `json:"last_update_id"`
	LastEventTime int64              `json:"last_event_time"`
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		Bids:   make(map[string]float64),
		Asks:   make(map[string]float64),
	}
}

// Clone returns a deep copy safe to share across goroutines.
func (b *OrderBook) Clone() *OrderBook {
	c := &OrderBook{
		Symbol:        b.Symbol,
		Bids:          make(map[string]float64, len(b.Bids)),
		Asks:          make(map[string]float64, len(b.Asks)),
		LastUpdateID:  b.LastUpdateID,
		LastEventTime: b.LastEventTime,
	}
	for p, q := range b.Bids {
		c.Bids[p] = q
	}
	for p, q := range b.Asks {
		c.Asks[p] = q
	}
	return c
}

// BookRow is the persisted order book side row shape.
type BookRow struct {
	Time     int64   `json:"time"`
	Price    string  `json:"price_level"`
	Quantity float64 `json:"quantity"`
	Side     string  `json:"side"`
}

// Rows flattens both sides into persisted rows stamped with the book's last
// event time.
func (b *OrderBook) Rows() []BookRow {
	rows := make([]BookRow, 0, len(b.Bids)+len(b.Asks))
	for price, qty := range b.Bids {
		rows = append(rows, BookRow{Time: b.LastEventTime, Price: price, Quantity: qty, Side: "bid"})
	}
	for price, qty := range b.Asks {
		rows = append(rows, BookRow{Time: b.LastEventTime, Price: price, Quantity: qty, Side: "ask"})
	}
	return rows
}

// GroupedLevel is one aggregated display bucket of the book.
type GroupedLevel struct {
	Price    string
	Quantity float64
}

// GroupLevels buckets a side into round price ranges and sums quantities,
// sorted from highest bucket to lowest. Used only for debug display; the
// live book is never read through this.
func GroupLevels(side map[string]float64) []GroupedLevel {
	grouped := make(map[string]float64)
	for price, qty := range side {
		p, err := strconv.ParseFloat(price, 64)
		if err != nil || p <= 0 {
			continue
		}
		magnitude := math.Min(math.Pow(10, math.Floor(math.Log10(p))-2), 100)
		bucket := fmt.Sprintf("%.2f", math.Floor(p/magnitude)*magnitude)
		grouped[bucket] += qty
	}

	levels := make([]GroupedLevel, 0, len(grouped))
	for bucket, qty := range grouped {
		levels = append(levels, GroupedLevel{Price: bucket, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		pi, _ := strconv.ParseFloat(levels[i].Price, 64)
		pj, _ := strconv.ParseFloat(levels[j].Price, 64)
		return pi > pj
	})
	return levels
}

// FeatureRow is the persisted derived metric shape.
type FeatureRow struct {
	Time      int64   `json:"time"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}
