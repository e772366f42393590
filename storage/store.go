package storage

import (
	"context"

	"depthflow/models"
)

// Store persists typed record batches. Implementations must be safe for
// concurrent use: the batch writer and the feature calculator share one
// instance, and the writer flushes from both its worker and its ticker.
type Store interface {
	InsertBookRows(ctx context.Context, rows []models.BookRow) error
	InsertTrades(ctx context.Context, trades []*models.TradeEvent) error
	InsertLiquidations(ctx context.Context, liqs []*models.LiquidationEvent) error
	InsertFeatures(ctx context.Context, rows []models.FeatureRow) error
}
