package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/storage"
)

// BatchWriter drains a router subscription, groups events into per-kind
// buffers and flushes them to the store in chunks. The flush threshold is
// chosen from the inbound channel occupancy: above the configured high-water
// ratio of capacity the writer favors throughput with large batches, below
// it latency with small ones. Liquidations are rare, so they flush at a
// tenth of the active threshold instead of waiting behind the bulk kinds.
//
// A failed flush is retried once and then dropped: blocking the pipeline on
// storage would back the bounded channels up into the websocket readers.
type BatchWriter struct {
	cfg     *config.Config
	sub     *channel.Subscription
	store   storage.Store
	ctx     context.Context
	wg      *sync.WaitGroup
	running bool
	log     *logger.Log

	// mu guards running and the per-kind buffers; the worker appends while
	// the flush ticker drains.
	mu       sync.Mutex
	bookRows []models.BookRow
	trades   []*models.TradeEvent
	liqs     []*models.LiquidationEvent
}

func NewBatchWriter(cfg *config.Config, sub *channel.Subscription, store storage.Store) *BatchWriter {
	return &BatchWriter{
		cfg:   cfg,
		sub:   sub,
		store: store,
		wg:    &sync.WaitGroup{},
		log:   logger.GetLogger(),
	}
}

// Start launches the drain worker and the time-based flush ticker.
func (w *BatchWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("batch_writer").WithFields(logger.Fields{
		"small_batch": w.cfg.Writer.Batch.SmallSize,
		"large_batch": w.cfg.Writer.Batch.LargeSize,
		"high_water":  w.cfg.Writer.Batch.HighWaterRatio,
	}).Info("batch writer started")
	return nil
}

// Stop waits for the workers and flushes remaining buffers best-effort.
func (w *BatchWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.flushAll(context.WithoutCancel(w.ctx))
	w.log.WithComponent("batch_writer").Info("batch writer stopped")
}

func (w *BatchWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.sub.Events():
			if !ok {
				return
			}
			w.handle(event)
		}
	}
}

func (w *BatchWriter) flushLoop() {
	defer w.wg.Done()
	interval := w.cfg.Writer.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushAll(w.ctx)
		}
	}
}

// batchSize picks the flush threshold from the current channel backlog.
func (w *BatchWriter) batchSize() int {
	if float64(w.sub.Len()) > w.cfg.Writer.Batch.HighWaterRatio*float64(w.sub.Cap()) {
		return w.cfg.Writer.Batch.LargeSize
	}
	return w.cfg.Writer.Batch.SmallSize
}

func (w *BatchWriter) handle(event models.MarketEvent) {
	threshold := w.batchSize()

	switch event.Kind {
	case models.KindBook:
		if event.Book == nil {
			return
		}
		w.mu.Lock()
		w.bookRows = append(w.bookRows, event.Book.Rows()...)
		buffered := len(w.bookRows)
		w.mu.Unlock()
		if buffered >= threshold {
			w.flushBookRows(w.ctx)
		}
	case models.KindTrade:
		if event.Trade == nil {
			return
		}
		w.mu.Lock()
		w.trades = append(w.trades, event.Trade)
		buffered := len(w.trades)
		w.mu.Unlock()
		if buffered >= threshold {
			w.flushTrades(w.ctx)
		}
	case models.KindLiquidation:
		if event.Liquidation == nil {
			return
		}
		liqThreshold := threshold / 10
		if liqThreshold < 1 {
			liqThreshold = 1
		}
		w.mu.Lock()
		w.liqs = append(w.liqs, event.Liquidation)
		buffered := len(w.liqs)
		w.mu.Unlock()
		if buffered >= liqThreshold {
			w.flushLiquidations(w.ctx)
		}
	}
}

func (w *BatchWriter) flushAll(ctx context.Context) {
	w.flushBookRows(ctx)
	w.flushTrades(ctx)
	w.flushLiquidations(ctx)
}

func (w *BatchWriter) flushBookRows(ctx context.Context) {
	w.mu.Lock()
	rows := w.bookRows
	w.bookRows = nil
	w.mu.Unlock()
	if len(rows) == 0 {
		return
	}
	w.persist(ctx, "order_books", len(rows), func(ctx context.Context) error {
		return w.store.InsertBookRows(ctx, rows)
	})
}

func (w *BatchWriter) flushTrades(ctx context.Context) {
	w.mu.Lock()
	trades := w.trades
	w.trades = nil
	w.mu.Unlock()
	if len(trades) == 0 {
		return
	}
	w.persist(ctx, "agg_trades", len(trades), func(ctx context.Context) error {
		return w.store.InsertTrades(ctx, trades)
	})
}

func (w *BatchWriter) flushLiquidations(ctx context.Context) {
	w.mu.Lock()
	liqs := w.liqs
	w.liqs = nil
	w.mu.Unlock()
	if len(liqs) == 0 {
		return
	}
	w.persist(ctx, "liquidations", len(liqs), func(ctx context.Context) error {
		return w.store.InsertLiquidations(ctx, liqs)
	})
}

// persist runs one insert with a single bounded retry, then drops the batch.
func (w *BatchWriter) persist(ctx context.Context, table string, records int, insert func(context.Context) error) {
	start := time.Now()
	err := insert(ctx)
	if err != nil {
		w.log.WithComponent("batch_writer").WithError(err).WithFields(logger.Fields{
			"table":   table,
			"records": records,
		}).Warn("flush failed, retrying once")
		err = insert(ctx)
	}
	if err != nil {
		w.log.WithComponent("batch_writer").WithError(err).WithFields(logger.Fields{
			"table":   table,
			"records": records,
		}).Error("flush failed after retry, dropping batch")
		return
	}

	w.log.WithComponent("batch_writer").WithFields(logger.Fields{
		"table":       table,
		"records":     records,
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
		"backlog":     w.sub.Len(),
	}).Debug("batch flushed")
}
