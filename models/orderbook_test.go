package models

import "testing"

func TestCloneIsDetached(t *testing.T) {
	book := NewOrderBook("BTCUSDT")
	book.Bids["100.0"] = 1
	book.Asks["100.5"] = 2
	book.LastUpdateID = 42
	book.LastEventTime = 1700000000000

	clone := book.Clone()
	clone.Bids["100.0"] = 99
	clone.Asks["101.0"] = 5

	if book.Bids["100.0"] != 1 {
		t.Fatalf("mutating clone changed original bid: %v", book.Bids["100.0"])
	}
	if _, ok := book.Asks["101.0"]; ok {
		t.Fatal("mutating clone added ask to original")
	}
	if clone.LastUpdateID != 42 || clone.LastEventTime != 1700000000000 {
		t.Fatalf("clone lost identifiers: %+v", clone)
	}
}

func TestGroupLevelsBucketsAndSorts(t *testing.T) {
	side := map[string]float64{
		"25123.5": 1,
		"25187.0": 2, // same 100-wide bucket as above
		"25201.0": 3,
		"bad":     9,
	}

	levels := GroupLevels(side)
	if len(levels) != 2 {
		t.Fatalf("expected 2 buckets, got %d: %+v", len(levels), levels)
	}
	if levels[0].Price != "25200.00" || levels[0].Quantity != 3 {
		t.Fatalf("unexpected top bucket %+v", levels[0])
	}
	if levels[1].Price != "25100.00" || levels[1].Quantity != 3 {
		t.Fatalf("unexpected bottom bucket %+v", levels[1])
	}
}
