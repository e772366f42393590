package models

import "time"

// PriceLevel is a single price level change. Quantity 0 means the level is
// removed from the book, not that a zero-sized level exists.
type PriceLevel struct {
	Price    string  `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthSnapshot is a full point-in-time order book state fetched over REST.
type DepthSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	FetchTime    time.Time    `json:"fetch_time"`
}

// DepthDiff is one incremental order book mutation from the depth stream.
type DepthDiff struct {
	Symbol            string       `json:"symbol"`
	EventTime         int64        `json:"event_time"`
	TransactionTime   int64        `json:"transaction_time"`
	FirstUpdateID     int64        `json:"first_update_id"`
	FinalUpdateID     int64        `json:"final_update_id"`
	PrevFinalUpdateID int64        `json:"prev_final_update_id"`
	Bids              []PriceLevel `json:"bids"`
	Asks              []PriceLevel `json:"asks"`
	ReceivedAt        time.Time    `json:"received_at"`
}

// TradeEvent is an aggregated trade from the aggTrade stream.
type TradeEvent struct {
	Symbol        string  `json:"symbol"`
	TradeID       int64   `json:"trade_id"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	FirstLegID    int64   `json:"first_leg_id"`
	LastLegID     int64   `json:"last_leg_id"`
	EventTime     int64   `json:"event_time"`
	TradeTime     int64   `json:"trade_time"`
	TakerIsSeller bool    `json:"taker_is_seller"`
}

// LiquidationEvent is a forced liquidation order from the forceOrder stream.
type LiquidationEvent struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	OrderType         string  `json:"order_type"`
	TimeInForce       string  `json:"time_in_force"`
	Quantity          float64 `json:"quantity"`
	Price             float64 `json:"price"`
	AvgPrice          float64 `json:"avg_price"`
	Status            string  `json:"status"`
	LastFillQty       float64 `json:"last_fill_qty"`
	CumulativeFillQty float64 `json:"cumulative_fill_qty"`
	EventTime         int64   `json:"event_time"`
	TransactionTime   int64   `json:"transaction_time"`
}

// EventKind tags the payload carried by a MarketEvent.
type EventKind int

const (
	KindBook EventKind = iota
	KindTrade
	KindLiquidation
)

func (k EventKind) String() string {
	switch k {
	case KindBook:
		return "book"
	case KindTrade:
		return "trade"
	case KindLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// MarketEvent is the tagged union moved through the pipeline. Exactly one
// payload field is set, selected by Kind. Events are immutable once built;
// book payloads are deep copies detached from the synchronizer's live book.
type MarketEvent struct {
	Kind        EventKind         `json:"kind"`
	Book        *OrderBook        `json:"book,omitempty"`
	Trade       *TradeEvent       `json:"trade,omitempty"`
	Liquidation *LiquidationEvent `json:"liquidation,omitempty"`
}

func NewBookEvent(book *OrderBook) MarketEvent {
	return MarketEvent{Kind: KindBook, Book: book}
}

func NewTradeEvent(trade *TradeEvent) MarketEvent {
	return MarketEvent{Kind: KindTrade, Trade: trade}
}

func NewLiquidationEvent(liq *LiquidationEvent) MarketEvent {
	return MarketEvent{Kind: KindLiquidation, Liquidation: liq}
}

// Symbol returns the symbol of whichever payload the event carries.
func (e MarketEvent) Symbol() string {
	switch e.Kind {
	case KindBook:
		if e.Book != nil {
			return e.Book.Symbol
		}
	case KindTrade:
		if e.Trade != nil {
			return e.Trade.Symbol
		}
	case KindLiquidation:
		if e.Liquidation != nil {
			return e.Liquidation.Symbol
		}
	}
	return ""
}
