// Package store persists positions, sessions, trade fills, funding accruals,
// strategy state, and dashboard history in SQLite.
//
// Positions keep their scalar fields in columns for querying; per-leg
// metadata and the fill audit trail are JSON blobs since the engine always
// loads a position whole. Writers to one position are serialized by a
// per-position lock so concurrent merge/close paths cannot interleave their
// read-modify-write cycles.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"funding-arb/pkg/types"
)

const defaultTimeout = 5 * time.Second

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	strategy       TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	ended_at       TIMESTAMP,
	last_heartbeat TIMESTAMP NOT NULL,
	health         TEXT NOT NULL,
	stage          TEXT NOT NULL,
	paused         INTEGER NOT NULL DEFAULT 0,
	metadata_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	long_venue       TEXT NOT NULL,
	short_venue      TEXT NOT NULL,
	size_usd         TEXT NOT NULL,
	entry_long_rate  REAL NOT NULL,
	entry_short_rate REAL NOT NULL,
	entry_divergence REAL NOT NULL,
	opened_at        TIMESTAMP NOT NULL,
	closed_at        TIMESTAMP,
	status           TEXT NOT NULL,
	exit_reason      TEXT NOT NULL DEFAULT '',
	pnl_usd          TEXT NOT NULL DEFAULT '0',
	total_fees_paid  TEXT NOT NULL DEFAULT '0',
	last_check       TIMESTAMP NOT NULL,
	legs_json        TEXT NOT NULL,
	fills_json       TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol, long_venue, short_venue);

CREATE TABLE IF NOT EXISTS trade_fills (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id      TEXT NOT NULL,
	account_id       TEXT NOT NULL DEFAULT '',
	trade_type       TEXT NOT NULL,
	dex_id           TEXT NOT NULL,
	symbol_id        TEXT NOT NULL,
	order_id         TEXT NOT NULL,
	trade_id         TEXT NOT NULL DEFAULT '',
	ts               TIMESTAMP NOT NULL,
	side             TEXT NOT NULL,
	total_quantity   TEXT NOT NULL,
	weighted_price   TEXT NOT NULL,
	total_fee        TEXT NOT NULL,
	fee_currency     TEXT NOT NULL DEFAULT '',
	realized_pnl     TEXT NOT NULL DEFAULT '0',
	realized_funding TEXT NOT NULL DEFAULT '0',
	fill_count       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_trade_fills_position ON trade_fills(position_id);

CREATE TABLE IF NOT EXISTS funding_accruals (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL,
	dex_id      TEXT NOT NULL,
	amount      TEXT NOT NULL,
	accrued_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_position ON funding_accruals(position_id);

CREATE TABLE IF NOT EXISTS strategy_state (
	key        TEXT PRIMARY KEY,
	value_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dashboard_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	taken_at   TIMESTAMP NOT NULL,
	body_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dashboard_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	emitted_at TIMESTAMP NOT NULL,
	body_json  TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // position id → writer lock
}

// Open connects to the SQLite database at dsn (a file path or ":memory:")
// and applies the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:      db,
		timeout: defaultTimeout,
		logger:  logger.With("component", "store"),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Close shuts the database down.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// positionLock returns the writer lock for one position id.
func (s *Store) positionLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if mu, ok := s.locks[id]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.locks[id] = mu
	return mu
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type positionRow struct {
	ID              string       `db:"id"`
	Symbol          string       `db:"symbol"`
	LongVenue       string       `db:"long_venue"`
	ShortVenue      string       `db:"short_venue"`
	SizeUSD         string       `db:"size_usd"`
	EntryLongRate   float64      `db:"entry_long_rate"`
	EntryShortRate  float64      `db:"entry_short_rate"`
	EntryDivergence float64      `db:"entry_divergence"`
	OpenedAt        time.Time    `db:"opened_at"`
	ClosedAt        sql.NullTime `db:"closed_at"`
	Status          string       `db:"status"`
	ExitReason      string       `db:"exit_reason"`
	PnLUSD          string       `db:"pnl_usd"`
	TotalFeesPaid   string       `db:"total_fees_paid"`
	LastCheck       time.Time    `db:"last_check"`
	LegsJSON        string       `db:"legs_json"`
	FillsJSON       string       `db:"fills_json"`
}

func toRow(p *types.Position) (*positionRow, error) {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return nil, fmt.Errorf("marshal legs: %w", err)
	}
	fills, err := json.Marshal(p.Fills)
	if err != nil {
		return nil, fmt.Errorf("marshal fills: %w", err)
	}
	row := &positionRow{
		ID:              p.ID,
		Symbol:          p.Symbol,
		LongVenue:       p.LongVenue,
		ShortVenue:      p.ShortVenue,
		SizeUSD:         p.SizeUSD.String(),
		EntryLongRate:   p.EntryLongRate,
		EntryShortRate:  p.EntryShortRate,
		EntryDivergence: p.EntryDivergence,
		OpenedAt:        p.OpenedAt,
		Status:          string(p.Status),
		ExitReason:      p.ExitReason,
		PnLUSD:          p.PnLUSD.String(),
		TotalFeesPaid:   p.TotalFeesPaid.String(),
		LastCheck:       p.LastCheck,
		LegsJSON:        string(legs),
		FillsJSON:       string(fills),
	}
	if p.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: *p.ClosedAt, Valid: true}
	}
	return row, nil
}

func fromRow(r *positionRow) (*types.Position, error) {
	p := &types.Position{
		ID:              r.ID,
		Symbol:          r.Symbol,
		LongVenue:       r.LongVenue,
		ShortVenue:      r.ShortVenue,
		SizeUSD:         mustDecimal(r.SizeUSD),
		EntryLongRate:   r.EntryLongRate,
		EntryShortRate:  r.EntryShortRate,
		EntryDivergence: r.EntryDivergence,
		OpenedAt:        r.OpenedAt,
		Status:          types.PositionStatus(r.Status),
		ExitReason:      r.ExitReason,
		PnLUSD:          mustDecimal(r.PnLUSD),
		TotalFeesPaid:   mustDecimal(r.TotalFeesPaid),
		LastCheck:       r.LastCheck,
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		p.ClosedAt = &t
	}
	if err := json.Unmarshal([]byte(r.LegsJSON), &p.Legs); err != nil {
		return nil, fmt.Errorf("unmarshal legs: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FillsJSON), &p.Fills); err != nil {
		return nil, fmt.Errorf("unmarshal fills: %w", err)
	}
	return p, nil
}

const positionCols = `id, symbol, long_venue, short_venue, size_usd,
	entry_long_rate, entry_short_rate, entry_divergence, opened_at, closed_at,
	status, exit_reason, pnl_usd, total_fees_paid, last_check, legs_json, fills_json`

// CreatePosition inserts a new position row.
func (s *Store) CreatePosition(ctx context.Context, p *types.Position) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`) VALUES
		(:id, :symbol, :long_venue, :short_venue, :size_usd,
		 :entry_long_rate, :entry_short_rate, :entry_divergence, :opened_at, :closed_at,
		 :status, :exit_reason, :pnl_usd, :total_fees_paid, :last_check, :legs_json, :fills_json)`,
		row)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePosition overwrites an existing position row.
func (s *Store) UpdatePosition(ctx context.Context, p *types.Position) error {
	mu := s.positionLock(p.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.updatePositionLocked(ctx, p)
}

func (s *Store) updatePositionLocked(ctx context.Context, p *types.Position) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE positions SET
			symbol = :symbol, long_venue = :long_venue, short_venue = :short_venue,
			size_usd = :size_usd, entry_long_rate = :entry_long_rate,
			entry_short_rate = :entry_short_rate, entry_divergence = :entry_divergence,
			opened_at = :opened_at, closed_at = :closed_at, status = :status,
			exit_reason = :exit_reason, pnl_usd = :pnl_usd,
			total_fees_paid = :total_fees_paid, last_check = :last_check,
			legs_json = :legs_json, fills_json = :fills_json
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetPosition loads one position by id.
func (s *Store) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row positionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return fromRow(&row)
}

// OpenPositions lists every position not yet closed, oldest first.
func (s *Store) OpenPositions(ctx context.Context) ([]*types.Position, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+positionCols+` FROM positions
		WHERE status != ? ORDER BY opened_at ASC`, string(types.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	out := make([]*types.Position, 0, len(rows))
	for i := range rows {
		p, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FindOpenPosition returns the open position for an exact (symbol, long
// venue, short venue) triple, or ErrNotFound.
func (s *Store) FindOpenPosition(ctx context.Context, symbol, longVenue, shortVenue string) (*types.Position, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row positionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+positionCols+` FROM positions
		WHERE status != ? AND symbol = ? AND long_venue = ? AND short_venue = ?
		LIMIT 1`, string(types.StatusClosed), symbol, longVenue, shortVenue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open position: %w", err)
	}
	return fromRow(&row)
}

// MergePosition folds an additional fill of the same (symbol, venues) triple
// into an existing open position: sizes and leg quantities add, entry rates
// and prices become size-weighted averages, and the addition's fill
// fingerprints are appended to the audit trail.
func (s *Store) MergePosition(ctx context.Context, id string, addition *types.Position) (*types.Position, error) {
	mu := s.positionLock(id)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == types.StatusClosed {
		return nil, fmt.Errorf("merge into closed position %s", id)
	}

	merged := mergePositions(existing, addition)
	if err := s.updatePositionLocked(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func mergePositions(base, add *types.Position) *types.Position {
	oldSize, addSize := base.SizeUSD, add.SizeUSD
	newSize := oldSize.Add(addSize)

	if !newSize.IsZero() {
		of, _ := oldSize.Float64()
		af, _ := addSize.Float64()
		nf, _ := newSize.Float64()
		base.EntryLongRate = (base.EntryLongRate*of + add.EntryLongRate*af) / nf
		base.EntryShortRate = (base.EntryShortRate*of + add.EntryShortRate*af) / nf
		base.EntryDivergence = (base.EntryDivergence*of + add.EntryDivergence*af) / nf
	}
	base.SizeUSD = newSize
	base.TotalFeesPaid = base.TotalFeesPaid.Add(add.TotalFeesPaid)
	base.LastCheck = time.Now()

	for venueName, addLeg := range add.Legs {
		leg := base.Leg(venueName)
		if leg == nil {
			if base.Legs == nil {
				base.Legs = make(map[string]*types.LegMetadata)
			}
			cp := *addLeg
			base.Legs[venueName] = &cp
			continue
		}
		newQty := leg.Quantity.Add(addLeg.Quantity)
		if !newQty.IsZero() {
			leg.EntryPrice = leg.EntryPrice.Mul(leg.Quantity).
				Add(addLeg.EntryPrice.Mul(addLeg.Quantity)).
				Div(newQty)
		}
		leg.Quantity = newQty
		leg.FeesPaid = leg.FeesPaid.Add(addLeg.FeesPaid)
		leg.SlippageUSD = leg.SlippageUSD.Add(addLeg.SlippageUSD)
		leg.ExposureUSD = leg.ExposureUSD.Add(addLeg.ExposureUSD)
		leg.OrderID = addLeg.OrderID
		leg.MarkPrice = addLeg.MarkPrice
		leg.MarginReserved = leg.MarginReserved.Add(addLeg.MarginReserved)
		leg.LiquidationPrice = addLeg.LiquidationPrice
		leg.LastUpdated = time.Now()
	}

	base.Fills = append(base.Fills, add.Fills...)
	return base
}

// ClosePosition marks a position closed with a reason and final PnL. Closing
// an already-closed position is a no-op returning the closed row unchanged.
func (s *Store) ClosePosition(ctx context.Context, id, exitReason string, pnlUSD decimal.Decimal) (*types.Position, error) {
	mu := s.positionLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == types.StatusClosed {
		return p, nil
	}

	now := time.Now()
	p.Status = types.StatusClosed
	p.ClosedAt = &now
	p.ExitReason = exitReason
	p.PnLUSD = pnlUSD
	p.LastCheck = now
	if err := s.updatePositionLocked(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkPendingClose flips a position to pending_close so other loops skip it.
func (s *Store) MarkPendingClose(ctx context.Context, id string) error {
	mu := s.positionLock(id)
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, last_check = ? WHERE id = ? AND status = ?`,
		string(types.StatusPendingClose), time.Now(), id, string(types.StatusOpen))
	if err != nil {
		return fmt.Errorf("mark pending close %s: %w", id, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade fills and funding
// ————————————————————————————————————————————————————————————————————————

// RecordFill appends one leg execution record.
func (s *Store) RecordFill(ctx context.Context, f *types.TradeFill) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_fills
		(position_id, account_id, trade_type, dex_id, symbol_id, order_id, trade_id,
		 ts, side, total_quantity, weighted_price, total_fee, fee_currency,
		 realized_pnl, realized_funding, fill_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.PositionID, f.AccountID, string(f.TradeType), f.Venue, f.Symbol,
		f.OrderID, f.TradeID, f.Timestamp, string(f.Side),
		f.TotalQuantity.String(), f.WeightedPrice.String(), f.TotalFee.String(),
		f.FeeCurrency, f.RealizedPnL.String(), f.RealizedFunding.String(), f.FillCount)
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// FillsForPosition lists a position's executions oldest first.
func (s *Store) FillsForPosition(ctx context.Context, positionID string) ([]*types.TradeFill, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	type fillRow struct {
		ID              int64     `db:"id"`
		PositionID      string    `db:"position_id"`
		AccountID       string    `db:"account_id"`
		TradeType       string    `db:"trade_type"`
		Venue           string    `db:"dex_id"`
		Symbol          string    `db:"symbol_id"`
		OrderID         string    `db:"order_id"`
		TradeID         string    `db:"trade_id"`
		Timestamp       time.Time `db:"ts"`
		Side            string    `db:"side"`
		TotalQuantity   string    `db:"total_quantity"`
		WeightedPrice   string    `db:"weighted_price"`
		TotalFee        string    `db:"total_fee"`
		FeeCurrency     string    `db:"fee_currency"`
		RealizedPnL     string    `db:"realized_pnl"`
		RealizedFunding string    `db:"realized_funding"`
		FillCount       int       `db:"fill_count"`
	}
	var rows []fillRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM trade_fills WHERE position_id = ? ORDER BY ts ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	out := make([]*types.TradeFill, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.TradeFill{
			ID:              r.ID,
			PositionID:      r.PositionID,
			AccountID:       r.AccountID,
			TradeType:       types.TradeType(r.TradeType),
			Venue:           r.Venue,
			Symbol:          r.Symbol,
			OrderID:         r.OrderID,
			TradeID:         r.TradeID,
			Timestamp:       r.Timestamp,
			Side:            types.Side(r.Side),
			TotalQuantity:   mustDecimal(r.TotalQuantity),
			WeightedPrice:   mustDecimal(r.WeightedPrice),
			TotalFee:        mustDecimal(r.TotalFee),
			FeeCurrency:     r.FeeCurrency,
			RealizedPnL:     mustDecimal(r.RealizedPnL),
			RealizedFunding: mustDecimal(r.RealizedFunding),
			FillCount:       r.FillCount,
		})
	}
	return out, nil
}

// RecordFunding appends one funding accrual observation for a position leg.
func (s *Store) RecordFunding(ctx context.Context, positionID, venueName string, amount decimal.Decimal, at time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_accruals (position_id, dex_id, amount, accrued_at) VALUES (?, ?, ?, ?)`,
		positionID, venueName, amount.String(), at)
	if err != nil {
		return fmt.Errorf("record funding: %w", err)
	}
	return nil
}

// CumulativeFunding sums all recorded funding for a position across venues.
func (s *Store) CumulativeFunding(ctx context.Context, positionID string) (decimal.Decimal, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var amounts []string
	err := s.db.SelectContext(ctx, &amounts,
		`SELECT amount FROM funding_accruals WHERE position_id = ?`, positionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum funding: %w", err)
	}
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(mustDecimal(a))
	}
	return total, nil
}

// ————————————————————————————————————————————————————————————————————————
// Sessions
// ————————————————————————————————————————————————————————————————————————

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, strategy, started_at, last_heartbeat, health, stage, paused, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Strategy, sess.StartedAt, sess.LastHeartbeat,
		string(sess.Health), string(sess.Stage), sess.Paused, string(meta))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession refreshes heartbeat, health, stage, and pause flag.
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat = ?, health = ?, stage = ?, paused = ?, ended_at = ?
		WHERE session_id = ?`,
		sess.LastHeartbeat, string(sess.Health), string(sess.Stage), sess.Paused,
		nullTime(sess.EndedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row struct {
		ID            string       `db:"session_id"`
		Strategy      string       `db:"strategy"`
		StartedAt     time.Time    `db:"started_at"`
		EndedAt       sql.NullTime `db:"ended_at"`
		LastHeartbeat time.Time    `db:"last_heartbeat"`
		Health        string       `db:"health"`
		Stage         string       `db:"stage"`
		Paused        bool         `db:"paused"`
		MetadataJSON  string       `db:"metadata_json"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE session_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess := &types.Session{
		ID:            row.ID,
		Strategy:      row.Strategy,
		StartedAt:     row.StartedAt,
		LastHeartbeat: row.LastHeartbeat,
		Health:        types.SessionHealth(row.Health),
		Stage:         types.LifecycleStage(row.Stage),
		Paused:        row.Paused,
	}
	if row.EndedAt.Valid {
		t := row.EndedAt.Time
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(row.MetadataJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return sess, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state
// ————————————————————————————————————————————————————————————————————————

// SaveStrategyState upserts an arbitrary JSON-serializable value under key.
func (s *Store) SaveStrategyState(ctx context.Context, key string, value interface{}) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal strategy state %s: %w", key, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, string(blob), time.Now())
	if err != nil {
		return fmt.Errorf("save strategy state %s: %w", key, err)
	}
	return nil
}

// LoadStrategyState unmarshals the stored value for key into out.
// Returns ErrNotFound when the key was never saved.
func (s *Store) LoadStrategyState(ctx context.Context, key string, out interface{}) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var blob string
	err := s.db.GetContext(ctx, &blob, `SELECT value_json FROM strategy_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load strategy state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return fmt.Errorf("unmarshal strategy state %s: %w", key, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard persistence
// ————————————————————————————————————————————————————————————————————————

// SaveDashboardSnapshot appends one dashboard snapshot, pruning rows beyond
// retain (oldest first). retain ≤ 0 keeps everything.
func (s *Store) SaveDashboardSnapshot(ctx context.Context, sessionID string, body []byte, retain int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_snapshots (session_id, taken_at, body_json) VALUES (?, ?, ?)`,
		sessionID, time.Now(), string(body))
	if err != nil {
		return fmt.Errorf("save dashboard snapshot: %w", err)
	}
	return s.prune(ctx, "dashboard_snapshots", retain)
}

// AppendDashboardEvent appends one timeline event with the same retention rule.
func (s *Store) AppendDashboardEvent(ctx context.Context, sessionID string, body []byte, retain int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_events (session_id, emitted_at, body_json) VALUES (?, ?, ?)`,
		sessionID, time.Now(), string(body))
	if err != nil {
		return fmt.Errorf("append dashboard event: %w", err)
	}
	return s.prune(ctx, "dashboard_events", retain)
}

// RecentDashboardEvents returns the latest n event bodies, newest first.
func (s *Store) RecentDashboardEvents(ctx context.Context, n int) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies,
		`SELECT body_json FROM dashboard_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list dashboard events: %w", err)
	}
	return bodies, nil
}

func (s *Store) prune(ctx context.Context, table string, retain int) error {
	if retain <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM `+table+` WHERE id NOT IN (
			SELECT id FROM `+table+` ORDER BY id DESC LIMIT ?)`, retain)
	if err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
