// Package storage defines the pluggable Storage Driver contract from
// spec.md §4.5: one interface, three interchangeable backends
// (RELATIONAL/EMBEDDED_FILE/CLOUD_DOC) selected by config.DatabaseType.
// Modeled on the teacher's writer package split (one writer type per sink)
// but unified behind a single interface per spec.md's "same contract
// regardless of backend" requirement.
package storage

import (
	"context"
	"fmt"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
)

// Info describes one backend's current size/shape, returned by Info() for
// the health-check and monitor surfaces.
type Info struct {
	Backend      string            `json:"backend"`
	Tables       map[string]int64  `json:"tables"` // row counts, best-effort
	SizeBytes    int64             `json:"size_bytes,omitempty"`
}

// Storage is the contract every backend implements. Batch saves are
// idempotent upserts keyed by each entity's natural key (spec.md §8
// property 2); range reads are inclusive of both bounds and ascending by
// time (spec.md §4.5).
type Storage interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	SaveCandles(ctx context.Context, batch []model.Candle) error
	GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error)
	GetLatestCandle(ctx context.Context, symbol, timeframe string) (model.Candle, bool, error)

	SaveOpenInterest(ctx context.Context, batch []model.OpenInterest) error
	GetOpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]model.OpenInterest, error)
	GetLatestOpenInterest(ctx context.Context, symbol, period string) (model.OpenInterest, bool, error)

	SaveFundingRates(ctx context.Context, batch []model.FundingRate) error
	GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingRate, error)

	SaveLiquidations(ctx context.Context, batch []model.Liquidation) error
	GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]model.Liquidation, error)

	SaveLongShortRatios(ctx context.Context, batch []model.LongShortRatio) error
	GetLongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]model.LongShortRatio, error)

	SaveOrderBookSnapshot(ctx context.Context, snap model.OrderBookSnapshot) error
	GetLatestOrderBookSnapshot(ctx context.Context, symbol string) (model.OrderBookSnapshot, bool, error)

	SaveDataVersion(ctx context.Context, v model.DataVersion) error
	LatestDataVersion(ctx context.Context, table, symbol string) (model.DataVersion, bool, error)

	// Vacuum/Compact are maintenance hooks; backends without an equivalent
	// operation (e.g. cloud_doc) implement them as no-ops.
	Vacuum(ctx context.Context) error
	Compact(ctx context.Context) error
	Info(ctx context.Context) (Info, error)
}

// Open constructs the configured backend. This is the sole place that
// knows about all three implementations, matching spec.md §4.5's "backend
// selection is a construction-time concern, never visible downstream."
func Open(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.DatabaseType {
	case config.DatabaseRelational:
		return newPostgresFromConfig(ctx, cfg.Database)
	case config.DatabaseEmbeddedFile:
		return newSQLiteFromConfig(ctx, cfg.Embedded)
	case config.DatabaseCloudDoc:
		return newCloudDocFromConfig(ctx, cfg.Cloud)
	default:
		return nil, fmt.Errorf("storage: unsupported database_type %q", cfg.DatabaseType)
	}
}
