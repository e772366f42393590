package storage

import (
	"context"

	"depthflow/models"
)

// Discard is a no-op store used when persistence is disabled. The pipeline
// still runs end to end so features and optional sinks keep working.
type Discard struct{}

func (Discard) InsertBookRows(context.Context, []models.BookRow) error { return nil }

func (Discard) InsertTrades(context.Context, []*models.TradeEvent) error { return nil }

func (Discard) InsertLiquidations(context.Context, []*models.LiquidationEvent) error { return nil }

func (Discard) InsertFeatures(context.Context, []models.FeatureRow) error { return nil }
