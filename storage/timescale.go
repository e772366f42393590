package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// Timescale persists record batches to a TimescaleDB (or plain Postgres)
// instance. Inserts are queued on a pgx batch so a whole flush travels in
// one round trip.
type Timescale struct {
	pool   *pgxpool.Pool
	schema string
	log    *logger.Log
}

// NewTimescale connects the pool and ensures the schema and tables exist.
func NewTimescale(ctx context.Context, cfg config.TimescaleConfig) (*Timescale, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect timescale: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping timescale: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "binance"
	}

	ts := &Timescale{pool: pool, schema: schema, log: logger.GetLogger()}
	if err := ts.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	ts.log.WithComponent("timescale").WithFields(logger.Fields{"schema": schema}).Info("timescale store initialized")
	return ts, nil
}

// Close releases the connection pool.
func (t *Timescale) Close() {
	t.pool.Close()
}

func (t *Timescale) ensureTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.order_books (
			time TIMESTAMPTZ NOT NULL,
			price_level TEXT NOT NULL,
			quantity REAL NOT NULL,
			side TEXT NOT NULL
		)`, t.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.agg_trades (
			event_time TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			trade_id BIGINT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			first_leg_id BIGINT NOT NULL,
			last_leg_id BIGINT NOT NULL,
			trade_time TIMESTAMPTZ NOT NULL,
			taker_is_seller BOOLEAN NOT NULL
		)`, t.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.liquidations (
			event_time TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			time_in_force TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			avg_price REAL NOT NULL,
			status TEXT NOT NULL,
			last_fill_qty REAL NOT NULL,
			cumulative_fill_qty REAL NOT NULL,
			trade_time TIMESTAMPTZ NOT NULL
		)`, t.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.features (
			time TIMESTAMPTZ NOT NULL,
			metric_value DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL
		)`, t.schema),
	}

	for _, stmt := range stmts {
		if _, err := t.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func (t *Timescale) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := t.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertBookRows persists flattened order book side rows.
func (t *Timescale) InsertBookRows(ctx context.Context, rows []models.BookRow) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s.order_books (time, price_level, quantity, side) VALUES ($1, $2, $3, $4)`, t.schema)
	for _, row := range rows {
		batch.Queue(query, time.UnixMilli(row.Time).UTC(), row.Price, row.Quantity, row.Side)
	}
	if err := t.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert order book rows: %w", err)
	}
	return nil
}

// InsertTrades persists aggregated trades.
func (t *Timescale) InsertTrades(ctx context.Context, trades []*models.TradeEvent) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s.agg_trades (
			event_time, symbol, trade_id, price, quantity,
			first_leg_id, last_leg_id, trade_time, taker_is_seller
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, t.schema)
	for _, tr := range trades {
		batch.Queue(query,
			time.UnixMilli(tr.EventTime).UTC(), tr.Symbol, tr.TradeID, tr.Price, tr.Quantity,
			tr.FirstLegID, tr.LastLegID, time.UnixMilli(tr.TradeTime).UTC(), tr.TakerIsSeller)
	}
	if err := t.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert agg trades: %w", err)
	}
	return nil
}

// InsertLiquidations persists forced liquidation orders.
func (t *Timescale) InsertLiquidations(ctx context.Context, liqs []*models.LiquidationEvent) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s.liquidations (
			event_time, symbol, side, order_type, time_in_force, quantity,
			price, avg_price, status, last_fill_qty, cumulative_fill_qty, trade_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, t.schema)
	for _, liq := range liqs {
		batch.Queue(query,
			time.UnixMilli(liq.EventTime).UTC(), liq.Symbol, liq.Side, liq.OrderType, liq.TimeInForce,
			liq.Quantity, liq.Price, liq.AvgPrice, liq.Status, liq.LastFillQty, liq.CumulativeFillQty,
			time.UnixMilli(liq.TransactionTime).UTC())
	}
	if err := t.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert liquidations: %w", err)
	}
	return nil
}

// InsertFeatures persists derived metric rows.
func (t *Timescale) InsertFeatures(ctx context.Context, rows []models.FeatureRow) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s.features (time, metric_value, threshold) VALUES ($1, $2, $3)`, t.schema)
	for _, row := range rows {
		batch.Queue(query, time.UnixMilli(row.Time).UTC(), row.Value, row.Threshold)
	}
	if err := t.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert features: %w", err)
	}
	return nil
}
