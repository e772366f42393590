package binance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// SnapshotFetcher retrieves authoritative order book snapshots over REST.
// A shared rate limiter keeps concurrent symbol resyncs inside the
// exchange's request weight budget.
type SnapshotFetcher struct {
	client  *futures.Client
	limiter *rate.Limiter
	limit   int
	log     *logger.Log
}

func NewSnapshotFetcher(cfg config.BinanceSourceConfig) *SnapshotFetcher {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	if cfg.RestURL != "" {
		client.SetApiEndpoint(cfg.RestURL)
	}

	perSec := cfg.SnapshotRatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	return &SnapshotFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		limit:   cfg.DepthLimit,
		log:     logger.GetLogger(),
	}
}

// Fetch blocks on the rate limiter, then fetches and converts the depth
// snapshot for the symbol.
func (f *SnapshotFetcher) Fetch(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := f.client.NewDepthService().Symbol(symbol).Limit(f.limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth snapshot for %s: %w", symbol, err)
	}

	snapshot := &models.DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: res.LastUpdateID,
		Bids:         make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:         make([]models.PriceLevel, 0, len(res.Asks)),
		FetchTime:    time.Now(),
	}
	for _, bid := range res.Bids {
		if _, qty, err := bid.Parse(); err == nil {
			snapshot.Bids = append(snapshot.Bids, models.PriceLevel{Price: bid.Price, Quantity: qty})
		}
	}
	for _, ask := range res.Asks {
		if _, qty, err := ask.Parse(); err == nil {
			snapshot.Asks = append(snapshot.Asks, models.PriceLevel{Price: ask.Price, Quantity: qty})
		}
	}

	f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"symbol":         symbol,
		"last_update_id": snapshot.LastUpdateID,
		"bids":           len(snapshot.Bids),
		"asks":           len(snapshot.Asks),
		"duration_ms":    float64(time.Since(start).Nanoseconds()) / 1e6,
	}).Info("depth snapshot fetched")

	return snapshot, nil
}
