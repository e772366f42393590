package book

import (
	"errors"
	"testing"
	"time"

	"depthflow/models"
)

func seedSnapshot() *models.DepthSnapshot {
	return &models.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 100,
		Bids:         []models.PriceLevel{{Price: "10.00", Quantity: 5}},
		Asks:         []models.PriceLevel{{Price: "10.10", Quantity: 3}},
		FetchTime:    time.Now(),
	}
}

func TestApplyFoldsLevels(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	view, err := s.Apply(&models.DepthDiff{
		Symbol:        "BTCUSDT",
		EventTime:     1234,
		FirstUpdateID: 101,
		FinalUpdateID: 105,
		Bids: []models.PriceLevel{
			{Price: "10.00", Quantity: 0},
			{Price: "9.99", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(view.Bids) != 1 || view.Bids["9.99"] != 2 {
		t.Fatalf("expected bids {9.99: 2}, got %v", view.Bids)
	}
	if len(view.Asks) != 1 || view.Asks["10.10"] != 3 {
		t.Fatalf("expected asks unchanged, got %v", view.Asks)
	}
	if view.LastUpdateID != 105 {
		t.Fatalf("expected last update id 105, got %d", view.LastUpdateID)
	}
	if view.LastEventTime != 1234 {
		t.Fatalf("expected last event time 1234, got %d", view.LastEventTime)
	}
}

func TestApplyLaterWriteWins(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	if _, err := s.Apply(&models.DepthDiff{
		FirstUpdateID: 101,
		FinalUpdateID: 102,
		Bids:          []models.PriceLevel{{Price: "10.00", Quantity: 7}},
	}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	view, err := s.Apply(&models.DepthDiff{
		FirstUpdateID:     103,
		FinalUpdateID:     104,
		PrevFinalUpdateID: 102,
		Bids:              []models.PriceLevel{{Price: "10.00", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if view.Bids["10.00"] != 1 {
		t.Fatalf("expected later write to win, got %v", view.Bids["10.00"])
	}
}

func TestApplyStaleIsNoOp(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	_, err := s.Apply(&models.DepthDiff{
		FirstUpdateID: 90,
		FinalUpdateID: 100,
		Bids:          []models.PriceLevel{{Price: "10.00", Quantity: 0}},
	})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	// Book untouched, next diff still applies.
	view, err := s.Apply(&models.DepthDiff{FirstUpdateID: 101, FinalUpdateID: 105})
	if err != nil {
		t.Fatalf("apply after stale: %v", err)
	}
	if view.Bids["10.00"] != 5 {
		t.Fatalf("stale diff mutated the book: %v", view.Bids)
	}
}

func TestApplyGapOnPrevFinalMismatch(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	if _, err := s.Apply(&models.DepthDiff{FirstUpdateID: 101, FinalUpdateID: 105}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err := s.Apply(&models.DepthDiff{
		FirstUpdateID:     106,
		FinalUpdateID:     110,
		PrevFinalUpdateID: 108,
	})
	if !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
	if s.Seeded() {
		t.Fatal("expected book to be invalidated after gap")
	}
}

func TestApplyGapOnFirstUpdateSkip(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	_, err := s.Apply(&models.DepthDiff{FirstUpdateID: 120, FinalUpdateID: 130})
	if !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
}

func TestApplyBeforeSeed(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	if _, err := s.Apply(&models.DepthDiff{FinalUpdateID: 105}); !errors.Is(err, ErrNotSeeded) {
		t.Fatalf("expected ErrNotSeeded, got %v", err)
	}
}

func TestCatchupDiscardsCoveredDiffs(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")

	// Diffs arrive before the snapshot completes.
	s.Buffer(&models.DepthDiff{FirstUpdateID: 95, FinalUpdateID: 98, Bids: []models.PriceLevel{{Price: "9.90", Quantity: 9}}})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 99, FinalUpdateID: 100, Bids: []models.PriceLevel{{Price: "9.91", Quantity: 9}}})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 101, FinalUpdateID: 103, Bids: []models.PriceLevel{{Price: "9.99", Quantity: 2}}})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 104, FinalUpdateID: 106, PrevFinalUpdateID: 103, Asks: []models.PriceLevel{{Price: "10.10", Quantity: 0}}})

	s.Seed(seedSnapshot())
	views, err := s.Catchup()
	if err != nil {
		t.Fatalf("catchup: %v", err)
	}

	if len(views) != 2 {
		t.Fatalf("expected 2 applied views, got %d", len(views))
	}
	final := views[len(views)-1]
	if final.LastUpdateID != 106 {
		t.Fatalf("expected last update id 106, got %d", final.LastUpdateID)
	}
	if _, ok := final.Bids["9.90"]; ok {
		t.Fatal("expected covered diff to be discarded")
	}
	if final.Bids["9.99"] != 2 {
		t.Fatalf("expected buffered diff applied, got %v", final.Bids)
	}
	if _, ok := final.Asks["10.10"]; ok {
		t.Fatal("expected ask level removed during catchup")
	}
	if s.PendingCount() != 0 {
		t.Fatalf("expected pending buffer drained, got %d", s.PendingCount())
	}
}

func TestCatchupChainStraddlingSnapshot(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")

	// A live chained stream buffered while the snapshot fetch is in flight.
	// The snapshot's update id lands mid-chain, so the first surviving diff
	// carries a prev final id older than the seed.
	s.Buffer(&models.DepthDiff{FirstUpdateID: 991, FinalUpdateID: 999, PrevFinalUpdateID: 990, Bids: []models.PriceLevel{{Price: "9.90", Quantity: 9}}})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 1000, FinalUpdateID: 1004, PrevFinalUpdateID: 999, Bids: []models.PriceLevel{{Price: "9.99", Quantity: 2}}})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 1005, FinalUpdateID: 1010, PrevFinalUpdateID: 1004, Asks: []models.PriceLevel{{Price: "10.10", Quantity: 4}}})

	s.Seed(&models.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 1002,
		Bids:         []models.PriceLevel{{Price: "10.00", Quantity: 5}},
		FetchTime:    time.Now(),
	})

	views, err := s.Catchup()
	if err != nil {
		t.Fatalf("catchup: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 applied views, got %d", len(views))
	}
	final := views[len(views)-1]
	if final.LastUpdateID != 1010 {
		t.Fatalf("expected last update id 1010, got %d", final.LastUpdateID)
	}
	if _, ok := final.Bids["9.90"]; ok {
		t.Fatal("expected covered diff discarded")
	}
	if final.Bids["9.99"] != 2 || final.Asks["10.10"] != 4 {
		t.Fatalf("expected straddling chain applied, got bids=%v asks=%v", final.Bids, final.Asks)
	}

	// Chaining resumes strictly after the first apply.
	if _, err := s.Apply(&models.DepthDiff{FirstUpdateID: 1011, FinalUpdateID: 1015, PrevFinalUpdateID: 1008}); !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap once chained, got %v", err)
	}
}

func TestApplyFirstDiffOverlapsSeed(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())

	// First live diff spans the seed id with a prev final id from before it.
	view, err := s.Apply(&models.DepthDiff{
		FirstUpdateID:     98,
		FinalUpdateID:     104,
		PrevFinalUpdateID: 97,
		Bids:              []models.PriceLevel{{Price: "9.99", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if view.LastUpdateID != 104 || view.Bids["9.99"] != 2 {
		t.Fatalf("expected overlapping first diff applied, got %+v", view)
	}
}

func TestCatchupGapRetainsBuffer(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")

	s.Buffer(&models.DepthDiff{FirstUpdateID: 101, FinalUpdateID: 103})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 108, FinalUpdateID: 110, PrevFinalUpdateID: 107})
	s.Buffer(&models.DepthDiff{FirstUpdateID: 111, FinalUpdateID: 112, PrevFinalUpdateID: 110})

	s.Seed(seedSnapshot())
	views, err := s.Catchup()
	if !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 view applied before the gap, got %d", len(views))
	}
	if s.Seeded() {
		t.Fatal("expected book invalidated")
	}
	// The gapped diff and its successor stay buffered for the next seed.
	if s.PendingCount() != 2 {
		t.Fatalf("expected 2 retained diffs, got %d", s.PendingCount())
	}
}

func TestSeedResetsBook(t *testing.T) {
	s := NewSynchronizer("BTCUSDT")
	s.Seed(seedSnapshot())
	if _, err := s.Apply(&models.DepthDiff{FirstUpdateID: 101, FinalUpdateID: 105, Bids: []models.PriceLevel{{Price: "9.99", Quantity: 2}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	s.Seed(&models.DepthSnapshot{
		LastUpdateID: 200,
		Bids:         []models.PriceLevel{{Price: "11.00", Quantity: 1}},
		FetchTime:    time.Now(),
	})

	view, err := s.Apply(&models.DepthDiff{FirstUpdateID: 201, FinalUpdateID: 202})
	if err != nil {
		t.Fatalf("apply after reseed: %v", err)
	}
	if len(view.Bids) != 1 || view.Bids["11.00"] != 1 {
		t.Fatalf("expected reseeded book, got %v", view.Bids)
	}
}
