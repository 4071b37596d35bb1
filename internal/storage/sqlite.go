package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
)

// SQLiteStorage is the EMBEDDED_FILE backend: a single local file, pure Go
// (modernc.org/sqlite, no cgo), for single-node or development deployments
// where running Postgres is overkill. Grounded on the teacher's
// config-driven construction style; the schema mirrors PostgresStorage's
// minus Timescale-specific hypertable calls.
type SQLiteStorage struct {
	db *sql.DB
}

func newSQLiteFromConfig(ctx context.Context, cfg config.EmbeddedConfig) (*SQLiteStorage, error) {
	return NewSQLite(cfg.Path)
}

// NewSQLite opens the EMBEDDED_FILE backend directly at path, bypassing
// config.Config. Exported for callers that construct a scratch store
// outside the normal config-driven path (tests, one-off tooling).
func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			ts TEXT NOT NULL, symbol TEXT NOT NULL, timeframe TEXT NOT NULL,
			open REAL, high REAL, low REAL, close REAL, volume REAL, quote_volume REAL,
			trades INTEGER, taker_buy_base REAL, taker_buy_quote REAL, closed INTEGER,
			PRIMARY KEY (ts, symbol, timeframe))`,
		`CREATE TABLE IF NOT EXISTS open_interest (
			ts TEXT NOT NULL, symbol TEXT NOT NULL, period TEXT NOT NULL,
			open_interest REAL, open_interest_value REAL,
			PRIMARY KEY (ts, symbol, period))`,
		`CREATE TABLE IF NOT EXISTS funding_rates (
			ts TEXT NOT NULL, symbol TEXT NOT NULL, funding_rate REAL, mark_price REAL,
			PRIMARY KEY (ts, symbol))`,
		`CREATE TABLE IF NOT EXISTS liquidations (
			order_id TEXT PRIMARY KEY, ts TEXT NOT NULL, symbol TEXT NOT NULL,
			side TEXT, price REAL, quantity REAL)`,
		`CREATE TABLE IF NOT EXISTS long_short_ratios (
			ts TEXT NOT NULL, symbol TEXT NOT NULL, period TEXT NOT NULL,
			long_short_ratio REAL, long_account REAL, short_account REAL,
			PRIMARY KEY (ts, symbol, period))`,
		`CREATE TABLE IF NOT EXISTS order_book_levels (
			ts TEXT NOT NULL, symbol TEXT NOT NULL, side TEXT NOT NULL, level INTEGER,
			price REAL, quantity REAL,
			PRIMARY KEY (ts, symbol, side, level))`,
		`CREATE TABLE IF NOT EXISTS data_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT, run_id TEXT, table_name TEXT, symbol TEXT,
			window_start TEXT, window_end TEXT, record_count INTEGER, checksum TEXT, created_at TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close(ctx context.Context) error { return s.db.Close() }

// ts always writes nine fractional digits so that comparing the text orders
// timestamps chronologically.
func ts(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

func parseTS(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func (s *SQLiteStorage) SaveCandles(ctx context.Context, batch []model.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO candles
		(ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ts, symbol, timeframe) DO UPDATE SET
		open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
		volume=excluded.volume, quote_volume=excluded.quote_volume, trades=excluded.trades,
		taker_buy_base=excluded.taker_buy_base, taker_buy_quote=excluded.taker_buy_quote, closed=excluded.closed`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range batch {
		if _, err := stmt.ExecContext(ctx, ts(c.Time), c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyBase, c.TakerBuyQuote, c.Closed); err != nil {
			return fmt.Errorf("sqlite: upsert candle: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		 FROM candles WHERE symbol=? AND timeframe=? AND ts BETWEEN ? AND ? ORDER BY ts ASC`,
		symbol, timeframe, ts(start), ts(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var tstr string
		if err := rows.Scan(&tstr, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed); err != nil {
			return nil, err
		}
		if c.Time, err = parseTS(tstr); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) GetLatestCandle(ctx context.Context, symbol, timeframe string) (model.Candle, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ts, symbol, timeframe, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote, closed
		 FROM candles WHERE symbol=? AND timeframe=? ORDER BY ts DESC LIMIT 1`, symbol, timeframe)
	var c model.Candle
	var tstr string
	err := row.Scan(&tstr, &c.Symbol, &c.Timeframe, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Closed)
	if err == sql.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, err
	}
	c.Time, err = parseTS(tstr)
	return c, true, err
}

func (s *SQLiteStorage) SaveOpenInterest(ctx context.Context, batch []model.OpenInterest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO open_interest (ts, symbol, period, open_interest, open_interest_value)
		VALUES (?,?,?,?,?) ON CONFLICT(ts, symbol, period) DO UPDATE SET
		open_interest=excluded.open_interest, open_interest_value=excluded.open_interest_value`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range batch {
		if _, err := stmt.ExecContext(ctx, ts(o.Time), o.Symbol, o.Period, o.OpenInterest, o.OpenInterestVal); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetOpenInterest(ctx context.Context, symbol, period string, start, end time.Time) ([]model.OpenInterest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, symbol, period, open_interest, open_interest_value FROM open_interest
		 WHERE symbol=? AND period=? AND ts BETWEEN ? AND ? ORDER BY ts ASC`, symbol, period, ts(start), ts(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OpenInterest
	for rows.Next() {
		var o model.OpenInterest
		var tstr string
		if err := rows.Scan(&tstr, &o.Symbol, &o.Period, &o.OpenInterest, &o.OpenInterestVal); err != nil {
			return nil, err
		}
		if o.Time, err = parseTS(tstr); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) GetLatestOpenInterest(ctx context.Context, symbol, period string) (model.OpenInterest, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ts, symbol, period, open_interest, open_interest_value FROM open_interest
		 WHERE symbol=? AND period=? ORDER BY ts DESC LIMIT 1`, symbol, period)
	var o model.OpenInterest
	var tstr string
	err := row.Scan(&tstr, &o.Symbol, &o.Period, &o.OpenInterest, &o.OpenInterestVal)
	if err == sql.ErrNoRows {
		return model.OpenInterest{}, false, nil
	}
	if err != nil {
		return model.OpenInterest{}, false, err
	}
	o.Time, err = parseTS(tstr)
	return o, true, err
}

func (s *SQLiteStorage) SaveFundingRates(ctx context.Context, batch []model.FundingRate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Append-only: funding rate history is immutable, unlike OI/ratio
	// (spec.md §3), so a repeat write is dropped rather than merged.
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO funding_rates (ts, symbol, funding_rate, mark_price)
		VALUES (?,?,?,?) ON CONFLICT(ts, symbol) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range batch {
		if _, err := stmt.ExecContext(ctx, ts(f.FundingTime), f.Symbol, f.FundingRate, f.MarkPrice); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingRate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, symbol, funding_rate, mark_price FROM funding_rates
		 WHERE symbol=? AND ts BETWEEN ? AND ? ORDER BY ts ASC`, symbol, ts(start), ts(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FundingRate
	for rows.Next() {
		var f model.FundingRate
		var tstr string
		if err := rows.Scan(&tstr, &f.Symbol, &f.FundingRate, &f.MarkPrice); err != nil {
			return nil, err
		}
		if f.FundingTime, err = parseTS(tstr); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveLiquidations(ctx context.Context, batch []model.Liquidation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO liquidations (order_id, ts, symbol, side, price, quantity)
		VALUES (?,?,?,?,?,?) ON CONFLICT(order_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, l := range batch {
		if _, err := stmt.ExecContext(ctx, l.OrderID, ts(l.Time), l.Symbol, string(l.Side), l.Price, l.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]model.Liquidation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, ts, symbol, side, price, quantity FROM liquidations
		 WHERE symbol=? AND ts BETWEEN ? AND ? ORDER BY ts ASC`, symbol, ts(start), ts(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Liquidation
	for rows.Next() {
		var l model.Liquidation
		var tstr, side string
		if err := rows.Scan(&l.OrderID, &tstr, &l.Symbol, &side, &l.Price, &l.Quantity); err != nil {
			return nil, err
		}
		if l.Time, err = parseTS(tstr); err != nil {
			return nil, err
		}
		l.Side = model.Side(side)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveLongShortRatios(ctx context.Context, batch []model.LongShortRatio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO long_short_ratios
		(ts, symbol, period, long_short_ratio, long_account, short_account)
		VALUES (?,?,?,?,?,?) ON CONFLICT(ts, symbol, period) DO UPDATE SET
		long_short_ratio=excluded.long_short_ratio, long_account=excluded.long_account, short_account=excluded.short_account`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, ts(r.Time), r.Symbol, r.Period, r.LongShortRatio, r.LongAccount, r.ShortAccount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetLongShortRatios(ctx context.Context, symbol, period string, start, end time.Time) ([]model.LongShortRatio, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, symbol, period, long_short_ratio, long_account, short_account FROM long_short_ratios
		 WHERE symbol=? AND period=? AND ts BETWEEN ? AND ? ORDER BY ts ASC`, symbol, period, ts(start), ts(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LongShortRatio
	for rows.Next() {
		var r model.LongShortRatio
		var tstr string
		if err := rows.Scan(&tstr, &r.Symbol, &r.Period, &r.LongShortRatio, &r.LongAccount, &r.ShortAccount); err != nil {
			return nil, err
		}
		if r.Time, err = parseTS(tstr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveOrderBookSnapshot(ctx context.Context, snap model.OrderBookSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_book_levels WHERE symbol=? AND ts=?`, snap.Symbol, ts(snap.Time)); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO order_book_levels (ts, symbol, side, level, price, quantity) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, group := range []struct {
		side   model.Side
		levels []model.OrderBookLevel
	}{{model.SideBid, snap.Bids}, {model.SideAsk, snap.Asks}} {
		for _, lvl := range group.levels {
			if _, err := stmt.ExecContext(ctx, ts(snap.Time), snap.Symbol, string(group.side), lvl.Level, lvl.Price, lvl.Quantity); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetLatestOrderBookSnapshot(ctx context.Context, symbol string) (model.OrderBookSnapshot, bool, error) {
	var tstr string
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM order_book_levels WHERE symbol=?`, symbol).Scan(&tstr)
	if err != nil || tstr == "" {
		return model.OrderBookSnapshot{}, false, nil
	}
	latest, err := parseTS(tstr)
	if err != nil {
		return model.OrderBookSnapshot{}, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT side, level, price, quantity FROM order_book_levels WHERE symbol=? AND ts=? ORDER BY side, level ASC`,
		symbol, tstr)
	if err != nil {
		return model.OrderBookSnapshot{}, false, err
	}
	defer rows.Close()

	snap := model.OrderBookSnapshot{Time: latest, Symbol: symbol}
	for rows.Next() {
		var lvl model.OrderBookLevel
		var side string
		if err := rows.Scan(&side, &lvl.Level, &lvl.Price, &lvl.Quantity); err != nil {
			return model.OrderBookSnapshot{}, false, err
		}
		lvl.Side, lvl.Time, lvl.Symbol = model.Side(side), latest, symbol
		if lvl.Side == model.SideBid {
			snap.Bids = append(snap.Bids, lvl)
		} else {
			snap.Asks = append(snap.Asks, lvl)
		}
	}
	snap.ComputeAggregates()
	return snap, true, rows.Err()
}

func (s *SQLiteStorage) SaveDataVersion(ctx context.Context, v model.DataVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_versions (run_id, table_name, symbol, window_start, window_end, record_count, checksum, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		v.RunID, v.Table, v.Symbol, ts(v.WindowStart), ts(v.WindowEnd), v.RecordCount, v.Checksum, ts(v.CreatedAt))
	return err
}

func (s *SQLiteStorage) LatestDataVersion(ctx context.Context, table, symbol string) (model.DataVersion, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, table_name, symbol, window_start, window_end, record_count, checksum, created_at
		 FROM data_versions WHERE table_name=? AND symbol=? ORDER BY created_at DESC LIMIT 1`, table, symbol)
	var v model.DataVersion
	var ws, we, ca string
	err := row.Scan(&v.ID, &v.RunID, &v.Table, &v.Symbol, &ws, &we, &v.RecordCount, &v.Checksum, &ca)
	if err == sql.ErrNoRows {
		return model.DataVersion{}, false, nil
	}
	if err != nil {
		return model.DataVersion{}, false, err
	}
	v.WindowStart, _ = parseTS(ws)
	v.WindowEnd, _ = parseTS(we)
	v.CreatedAt, _ = parseTS(ca)
	return v, true, nil
}

func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (s *SQLiteStorage) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

func (s *SQLiteStorage) Info(ctx context.Context) (Info, error) {
	info := Info{Backend: "embedded_file", Tables: map[string]int64{}}
	for _, t := range []string{"candles", "open_interest", "funding_rates", "liquidations", "long_short_ratios", "order_book_levels"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err == nil {
			info.Tables[t] = n
		}
	}
	return info, nil
}
