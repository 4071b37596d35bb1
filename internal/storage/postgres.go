package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
)

// PostgresStorage is the RELATIONAL backend, targeting a TimescaleDB-enabled
// Postgres instance (the candles table is a hypertable on its time column;
// the other tables are plain tables). Grounded on the
// teacher's AWS-config-then-client construction pattern in writer/s3_writer.go,
// adapted here to jackc/pgx/v5's pool construction instead of an AWS SDK client.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

func newPostgresFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL, timeframe TEXT NOT NULL,
			open DOUBLE PRECISION, high DOUBLE PRECISION, low DOUBLE PRECISION, close DOUBLE PRECISION,
			volume DOUBLE PRECISION, quote_volume DOUBLE PRECISION, trades BIGINT,
			taker_buy_base DOUBLE PRECISION, taker_buy_quote DOUBLE PRECISION, closed BOOLEAN,
			PRIMARY KEY (ts, symbol, timeframe))`,
		`SELECT create_hypertable('candles', 'ts', if_not_exists => TRUE)`,
		`CREATE TABLE IF NOT EXISTS open_interest (
			ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL, period TEXT NOT NULL,
			open_interest DOUBLE PRECISION, open_interest_value DOUBLE PRECISION,
			PRIMARY KEY (ts, symbol, period))`,
		`CREATE TABLE IF NOT EXISTS funding_rates (
			ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL,
			funding_rate DOUBLE PRECISION, mark_price DOUBLE PRECISION,
			PRIMARY KEY (ts, symbol))`,
		`CREATE TABLE IF NOT EXISTS liquidations (
			order_id TEXT PRIMARY KEY, ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL,
			side TEXT, price DOUBLE PRECISION, quantity DOUBLE PRECISION)`,
		`CREATE TABLE IF NOT EXISTS long_short_ratios (
			ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL, period TEXT NOT NULL,
			long_short_ratio DOUBLE PRECISION, long_account DOUBLE PRECISION, short_account DOUBLE PRECISION,
			PRIMARY KEY (ts, symbol, period))`,
		`CREATE TABLE IF NOT EXISTS order_book_levels (
			ts TIMESTAMPTZ NOT NULL, symbol TEXT NOT NULL, side TEXT NOT NULL, level INT,
			price DOUBLE PRECISION, quantity DOUBLE PRECISION,
			PRIMARY KEY (ts, symbol, side, level))`,
		`CREATE TABLE IF NOT EXISTS data_versions (
			id BIGSERIAL PRIMARY KEY, run_id TEXT, table_name TEXT, symbol TEXT,
			window_start TIMESTAMPTZ, window_end TIMESTAMPTZ, record_count INT,
			checksum TEXT, created_at TIMESTAMPTZ)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *PostgresStorage) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) SaveCandles(ctx context.Context, batch []model.Candle) error {
	const upsert = `INSERT INTO candles
		(ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (ts, symbol, timeframe) DO UPDATE SET
		open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
		volume=EXCLUDED.volume, quote_volume=EXCLUDED.quote_volume, trades=EXCLUDED.trades,
		taker_buy_base=EXCLUDED.taker_buy_base, taker_buy_quote=EXCLUDED.taker_buy_quote, closed=EXCLUDED.closed`

	batchReq := &pgx.Batch{}
	for _, c := range batch {
		batchReq.Queue(upsert, c.Time, c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyBase, c.TakerBuyQuote, c.Closed)
	}
	return s.execBatch(ctx, batchReq, len(batch))
}

func (s *PostgresStorage) execBatch(ctx context.Context, b *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: batch upsert: %w", err)
		}
	}
	return nil
}

func (s *PostgresStorage) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		 FROM candles WHERE symbol=$1 AND timeframe=$2 AND ts BETWEEN $3 AND $4 ORDER BY ts ASC`,
		symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Time, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) GetLatestCandle(ctx context.Context, symbol, timeframe string) (model.Candle, bool, error) {
	var c model.Candle
	err := s.pool.QueryRow(ctx,
		`SELECT ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		 FROM candles WHERE symbol=$1 AND timeframe=$2 ORDER BY ts DESC LIMIT 1`,
		symbol, timeframe).Scan(&c.Time, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed)
	if err == pgx.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("postgres: latest candle: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStorage) SaveOpenInterest(ctx context.Context, batch []model.OpenInterest) error {
	b := &pgx.Batch{}
	for _, o := range batch {
		b.Queue(`INSERT INTO open_interest (ts, symbol, period, open_interest, open_interest_value)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (ts, symbol, period) DO UPDATE SET
			open_interest=EXCLUDED.open_interest, open_interest_value=EXCLUDED.open_interest_value`,
			o.Time, o.Symbol, o.Period, o.OpenInterest, o.OpenInterestVal)
	}
	return s.execBatch(ctx, b, len(batch))
}

func (s *PostgresStorage) GetOpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]model.OpenInterest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, symbol, period, open_interest, open_interest_value FROM open_interest
		 WHERE symbol=$1 AND period=$2 AND ts BETWEEN $3 AND $4 ORDER BY ts ASC`, symbol, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: query oi: %w", err)
	}
	defer rows.Close()
	var out []model.OpenInterest
	for rows.Next() {
		var o model.OpenInterest
		if err := rows.Scan(&o.Time, &o.Symbol, &o.Period, &o.OpenInterest, &o.OpenInterestVal); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) GetLatestOpenInterest(ctx context.Context, symbol, period string) (model.OpenInterest, bool, error) {
	var o model.OpenInterest
	err := s.pool.QueryRow(ctx,
		`SELECT ts, symbol, period, open_interest, open_interest_value FROM open_interest
		 WHERE symbol=$1 AND period=$2 ORDER BY ts DESC LIMIT 1`, symbol, period).
		Scan(&o.Time, &o.Symbol, &o.Period, &o.OpenInterest, &o.OpenInterestVal)
	if err == pgx.ErrNoRows {
		return model.OpenInterest{}, false, nil
	}
	if err != nil {
		return model.OpenInterest{}, false, err
	}
	return o, true, nil
}

func (s *PostgresStorage) SaveFundingRates(ctx context.Context, batch []model.FundingRate) error {
	b := &pgx.Batch{}
	for _, f := range batch {
		// Append-only: funding rate history is immutable, unlike OI/ratio
		// (spec.md §3), so a repeat write is dropped rather than merged.
		b.Queue(`INSERT INTO funding_rates (ts, symbol, funding_rate, mark_price) VALUES ($1,$2,$3,$4)
			ON CONFLICT (ts, symbol) DO NOTHING`,
			f.FundingTime, f.Symbol, f.FundingRate, f.MarkPrice)
	}
	return s.execBatch(ctx, b, len(batch))
}

func (s *PostgresStorage) GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingRate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, symbol, funding_rate, mark_price FROM funding_rates
		 WHERE symbol=$1 AND ts BETWEEN $2 AND $3 ORDER BY ts ASC`, symbol, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FundingRate
	for rows.Next() {
		var f model.FundingRate
		if err := rows.Scan(&f.FundingTime, &f.Symbol, &f.FundingRate, &f.MarkPrice); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveLiquidations(ctx context.Context, batch []model.Liquidation) error {
	b := &pgx.Batch{}
	for _, l := range batch {
		// Liquidations are first-write-wins (spec.md open question resolution);
		// ON CONFLICT DO NOTHING absorbs duplicate order_ids silently.
		b.Queue(`INSERT INTO liquidations (order_id, ts, symbol, side, price, quantity)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (order_id) DO NOTHING`,
			l.OrderID, l.Time, l.Symbol, string(l.Side), l.Price, l.Quantity)
	}
	return s.execBatch(ctx, b, len(batch))
}

func (s *PostgresStorage) GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]model.Liquidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, ts, symbol, side, price, quantity FROM liquidations
		 WHERE symbol=$1 AND ts BETWEEN $2 AND $3 ORDER BY ts ASC`, symbol, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Liquidation
	for rows.Next() {
		var l model.Liquidation
		var side string
		if err := rows.Scan(&l.OrderID, &l.Time, &l.Symbol, &side, &l.Price, &l.Quantity); err != nil {
			return nil, err
		}
		l.Side = model.Side(side)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveLongShortRatios(ctx context.Context, batch []model.LongShortRatio) error {
	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(`INSERT INTO long_short_ratios (ts, symbol, period, long_short_ratio, long_account, short_account)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (ts, symbol, period) DO UPDATE SET
			long_short_ratio=EXCLUDED.long_short_ratio, long_account=EXCLUDED.long_account, short_account=EXCLUDED.short_account`,
			r.Time, r.Symbol, r.Period, r.LongShortRatio, r.LongAccount, r.ShortAccount)
	}
	return s.execBatch(ctx, b, len(batch))
}

func (s *PostgresStorage) GetLongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]model.LongShortRatio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, symbol, period, long_short_ratio, long_account, short_account FROM long_short_ratios
		 WHERE symbol=$1 AND period=$2 AND ts BETWEEN $3 AND $4 ORDER BY ts ASC`, symbol, period, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LongShortRatio
	for rows.Next() {
		var r model.LongShortRatio
		if err := rows.Scan(&r.Time, &r.Symbol, &r.Period, &r.LongShortRatio, &r.LongAccount, &r.ShortAccount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveOrderBookSnapshot(ctx context.Context, snap model.OrderBookSnapshot) error {
	b := &pgx.Batch{}
	// Full-replace semantics (spec.md open question resolution): clear the
	// prior snapshot for this symbol/timestamp before inserting levels.
	b.Queue(`DELETE FROM order_book_levels WHERE symbol=$1 AND ts=$2`, snap.Symbol, snap.Time)
	for _, group := range []struct {
		side   model.Side
		levels []model.OrderBookLevel
	}{{model.SideBid, snap.Bids}, {model.SideAsk, snap.Asks}} {
		for _, lvl := range group.levels {
			b.Queue(`INSERT INTO order_book_levels (ts, symbol, side, level, price, quantity) VALUES ($1,$2,$3,$4,$5,$6)`,
				snap.Time, snap.Symbol, string(group.side), lvl.Level, lvl.Price, lvl.Quantity)
		}
	}
	return s.execBatch(ctx, b, len(snap.Bids)+len(snap.Asks)+1)
}

func (s *PostgresStorage) GetLatestOrderBookSnapshot(ctx context.Context, symbol string) (model.OrderBookSnapshot, bool, error) {
	var latestTS time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(ts) FROM order_book_levels WHERE symbol=$1`, symbol).Scan(&latestTS)
	if err != nil || latestTS.IsZero() {
		return model.OrderBookSnapshot{}, false, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT side, level, price, quantity FROM order_book_levels WHERE symbol=$1 AND ts=$2 ORDER BY side, level ASC`,
		symbol, latestTS)
	if err != nil {
		return model.OrderBookSnapshot{}, false, err
	}
	defer rows.Close()

	snap := model.OrderBookSnapshot{Time: latestTS, Symbol: symbol}
	for rows.Next() {
		var lvl model.OrderBookLevel
		var side string
		if err := rows.Scan(&side, &lvl.Level, &lvl.Price, &lvl.Quantity); err != nil {
			return model.OrderBookSnapshot{}, false, err
		}
		lvl.Side, lvl.Time, lvl.Symbol = model.Side(side), latestTS, symbol
		if lvl.Side == model.SideBid {
			snap.Bids = append(snap.Bids, lvl)
		} else {
			snap.Asks = append(snap.Asks, lvl)
		}
	}
	snap.ComputeAggregates()
	return snap, true, rows.Err()
}

func (s *PostgresStorage) SaveDataVersion(ctx context.Context, v model.DataVersion) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO data_versions (run_id, table_name, symbol, window_start, window_end, record_count, checksum, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		v.RunID, v.Table, v.Symbol, v.WindowStart, v.WindowEnd, v.RecordCount, v.Checksum, v.CreatedAt)
	return err
}

func (s *PostgresStorage) LatestDataVersion(ctx context.Context, table, symbol string) (model.DataVersion, bool, error) {
	var v model.DataVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, table_name, symbol, window_start, window_end, record_count, checksum, created_at
		 FROM data_versions WHERE table_name=$1 AND symbol=$2 ORDER BY created_at DESC LIMIT 1`, table, symbol).
		Scan(&v.ID, &v.RunID, &v.Table, &v.Symbol, &v.WindowStart, &v.WindowEnd, &v.RecordCount, &v.Checksum, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.DataVersion{}, false, nil
	}
	return v, err == nil, err
}

func (s *PostgresStorage) Vacuum(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `VACUUM`)
	return err
}

func (s *PostgresStorage) Compact(ctx context.Context) error {
	// TimescaleDB compresses chunks rather than rewriting files, through
	// compression policies set on the hypertable; Init sets none, and this
	// is a no-op from the Storage Driver's view.
	return nil
}

func (s *PostgresStorage) Info(ctx context.Context) (Info, error) {
	info := Info{Backend: "relational", Tables: map[string]int64{}}
	for _, t := range []string{"candles", "open_interest", "funding_rates", "liquidations", "long_short_ratios", "order_book_levels"} {
		var n int64
		if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err == nil {
			info.Tables[t] = n
		}
	}
	return info, nil
}

// Checksum returns the hex SHA-256 of the concatenated strings, the value
// Data Version records store. The historical collector passes the table,
// symbol and window bounds, so the checksum identifies the collected window
// and does not cover the records' contents.
func Checksum(recordKeys []string) string {
	h := sha256.New()
	for _, k := range recordKeys {
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}
