package feature

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/storage"
)

// Imbalance returns the net signed volume of the book within the given
// relative distance of the reference price: bid quantity minus ask quantity
// across all levels whose price is within refPrice*(1±threshold).
func Imbalance(book *models.OrderBook, refPrice, threshold float64) float64 {
	lower := refPrice * (1 - threshold)
	upper := refPrice * (1 + threshold)

	var net float64
	for price, qty := range book.Bids {
		p, err := strconv.ParseFloat(price, 64)
		if err != nil {
			continue
		}
		if p >= lower && p <= upper {
			net += qty
		}
	}
	for price, qty := range book.Asks {
		p, err := strconv.ParseFloat(price, 64)
		if err != nil {
			continue
		}
		if p >= lower && p <= upper {
			net -= qty
		}
	}
	return net
}

// Calculator drains its own router subscription and derives book imbalance
// metrics anchored at the latest observed trade price. Until the first trade
// arrives no metric is produced: computing against a default price of zero
// would anchor the window at nothing and persist garbage.
type Calculator struct {
	cfg        *config.Config
	sub        *channel.Subscription
	store      storage.Store
	thresholds []float64
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	lastPrice float64
	hasPrice  bool
}

func NewCalculator(cfg *config.Config, sub *channel.Subscription, store storage.Store) *Calculator {
	return &Calculator{
		cfg:        cfg,
		sub:        sub,
		store:      store,
		thresholds: cfg.Features.Thresholds,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

func (c *Calculator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feature calculator already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.worker()

	c.log.WithComponent("feature_calculator").WithFields(logger.Fields{
		"thresholds": c.thresholds,
	}).Info("feature calculator started")
	return nil
}

func (c *Calculator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.log.WithComponent("feature_calculator").Info("feature calculator stopped")
}

func (c *Calculator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.handle(event)
		}
	}
}

func (c *Calculator) handle(event models.MarketEvent) {
	switch event.Kind {
	case models.KindTrade:
		if event.Trade != nil {
			c.lastPrice = event.Trade.Price
			c.hasPrice = true
		}
	case models.KindBook:
		if event.Book == nil {
			return
		}
		if !c.hasPrice {
			// No trade observed yet, nothing to anchor the window at.
			return
		}
		c.compute(event.Book)
	}
}

func (c *Calculator) compute(book *models.OrderBook) {
	rows := make([]models.FeatureRow, 0, len(c.thresholds))
	for _, threshold := range c.thresholds {
		rows = append(rows, models.FeatureRow{
			Time:      book.LastEventTime,
			Value:     Imbalance(book, c.lastPrice, threshold),
			Threshold: threshold,
		})
	}

	err := c.store.InsertFeatures(c.ctx, rows)
	if err != nil {
		c.log.WithComponent("feature_calculator").WithError(err).Warn("feature insert failed, retrying once")
		err = c.store.InsertFeatures(c.ctx, rows)
	}
	if err != nil {
		c.log.WithComponent("feature_calculator").WithError(err).WithFields(logger.Fields{
			"symbol": book.Symbol,
		}).Error("feature insert failed after retry, dropping rows")
	}
}
