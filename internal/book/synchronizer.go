package book

import (
	"errors"
	"fmt"

	"depthflow/models"
)

// ErrStale marks a diff whose final update ID is at or before the book's
// current state. The book is not mutated; replayed diffs are a no-op.
var ErrStale = errors.New("depth diff is stale")

// ErrGap marks an update ID discontinuity. The book can no longer be trusted
// and must be re-seeded from a fresh snapshot before further diffs apply.
var ErrGap = errors.New("depth diff gap detected")

// ErrNotSeeded is returned when Apply is called before a snapshot seed.
var ErrNotSeeded = errors.New("order book not seeded")

// Synchronizer owns the order book for a single symbol. It is not safe for
// concurrent use: exactly one stream reader drives it, synchronously. Diffs
// that arrive before the snapshot fetch completes are held in a pending
// buffer and replayed by Catchup once the seed lands.
type Synchronizer struct {
	book    *models.OrderBook
	seeded  bool
	chained bool
	pending []*models.DepthDiff
}

func NewSynchronizer(symbol string) *Synchronizer {
	return &Synchronizer{book: models.NewOrderBook(symbol)}
}

// Seeded reports whether the book has been initialized from a snapshot.
func (s *Synchronizer) Seeded() bool {
	return s.seeded
}

// PendingCount returns the number of buffered pre-seed diffs.
func (s *Synchronizer) PendingCount() int {
	return len(s.pending)
}

// Buffer holds a diff received before the book is ready to apply it.
func (s *Synchronizer) Buffer(diff *models.DepthDiff) {
	s.pending = append(s.pending, diff)
}

// Seed initializes the book from an authoritative snapshot, discarding any
// previous state. Buffered diffs are kept; Catchup decides which of them
// still apply.
func (s *Synchronizer) Seed(snapshot *models.DepthSnapshot) {
	b := models.NewOrderBook(s.book.Symbol)
	for _, level := range snapshot.Bids {
		if level.Quantity != 0 {
			b.Bids[level.Price] = level.Quantity
		}
	}
	for _, level := range snapshot.Asks {
		if level.Quantity != 0 {
			b.Asks[level.Price] = level.Quantity
		}
	}
	b.LastUpdateID = snapshot.LastUpdateID
	b.LastEventTime = snapshot.FetchTime.UnixMilli()
	s.book = b
	s.seeded = true
	s.chained = false
}

// Catchup replays the pending buffer against a freshly seeded book. Diffs
// fully covered by the snapshot are discarded, the remainder applies in
// arrival order. It returns one immutable book view per applied diff. On a
// gap the book is invalidated and the failing diff plus the rest of the
// buffer are retained for the next seed attempt.
func (s *Synchronizer) Catchup() ([]*models.OrderBook, error) {
	if !s.seeded {
		return nil, ErrNotSeeded
	}

	views := make([]*models.OrderBook, 0, len(s.pending))
	for i, diff := range s.pending {
		view, err := s.Apply(diff)
		switch {
		case err == nil:
			views = append(views, view)
		case errors.Is(err, ErrStale):
			// covered by the snapshot
		case errors.Is(err, ErrGap):
			s.pending = s.pending[i:]
			return views, fmt.Errorf("catchup at update %d: %w", diff.FinalUpdateID, err)
		default:
			return views, err
		}
	}
	s.pending = nil
	return views, nil
}

// Apply folds one diff into the book and returns a deep copy of the result.
//
// A diff already covered by the book returns ErrStale without mutation. A
// diff that cannot be linked to the current state returns ErrGap and marks
// the book unseeded; the caller is expected to re-snapshot and catch up.
func (s *Synchronizer) Apply(diff *models.DepthDiff) (*models.OrderBook, error) {
	if !s.seeded {
		return nil, ErrNotSeeded
	}

	last := s.book.LastUpdateID
	if diff.FinalUpdateID <= last {
		return nil, ErrStale
	}

	// The first diff after a seed is matched by update ID range only: the
	// snapshot's id falls mid-chain, so its prev final id points at an
	// earlier stream event, not at the snapshot. Levels are absolute, so
	// applying an overlapping diff is safe. Chaining resumes afterwards.
	if !s.chained {
		if diff.FirstUpdateID > last+1 {
			s.seeded = false
			return nil, fmt.Errorf("first update id %d skips past %d: %w", diff.FirstUpdateID, last, ErrGap)
		}
	} else if diff.PrevFinalUpdateID > 0 {
		if diff.PrevFinalUpdateID != last {
			s.seeded = false
			return nil, fmt.Errorf("prev final id %d != last applied %d: %w", diff.PrevFinalUpdateID, last, ErrGap)
		}
	} else if diff.FirstUpdateID > last+1 {
		s.seeded = false
		return nil, fmt.Errorf("first update id %d skips past %d: %w", diff.FirstUpdateID, last, ErrGap)
	}

	applyLevels(s.book.Bids, diff.Bids)
	applyLevels(s.book.Asks, diff.Asks)
	s.book.LastUpdateID = diff.FinalUpdateID
	s.book.LastEventTime = diff.EventTime
	s.chained = true

	return s.book.Clone(), nil
}

func applyLevels(side map[string]float64, changes []models.PriceLevel) {
	for _, level := range changes {
		if level.Quantity == 0 {
			delete(side, level.Price)
		} else {
			side[level.Price] = level.Quantity
		}
	}
}
