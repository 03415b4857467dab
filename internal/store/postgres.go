package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/estateshare/trade-engine/internal/model"
)

// Schema creates the ledger tables. Monetary columns are NUMERIC for exact
// decimal precision; share counts are BIGINT.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id             UUID PRIMARY KEY,
	wallet_address TEXT NOT NULL UNIQUE,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	id                   UUID PRIMARY KEY,
	name                 TEXT NOT NULL,
	total_shares         BIGINT NOT NULL CHECK (total_shares > 0),
	available_shares     BIGINT NOT NULL CHECK (available_shares >= 0 AND available_shares <= total_shares),
	price_per_share      NUMERIC(20, 6) NOT NULL,
	contract_address     TEXT NOT NULL,
	status               TEXT NOT NULL,
	funding_completed_at TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id               UUID PRIMARY KEY,
	user_id          UUID NOT NULL REFERENCES users (id),
	property_id      UUID NOT NULL REFERENCES properties (id),
	shares           BIGINT NOT NULL CHECK (shares >= 0),
	average_price    NUMERIC(30, 12) NOT NULL,
	total_invested   NUMERIC(30, 12) NOT NULL,
	current_value    NUMERIC(30, 12) NOT NULL,
	realized_gains   NUMERIC(30, 12) NOT NULL,
	unrealized_gains NUMERIC(30, 12) NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, property_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id                    UUID PRIMARY KEY,
	user_id               UUID NOT NULL REFERENCES users (id),
	property_id           UUID NOT NULL REFERENCES properties (id),
	type                  TEXT NOT NULL,
	status                TEXT NOT NULL,
	quantity              BIGINT NOT NULL CHECK (quantity > 0),
	filled_quantity       BIGINT NOT NULL DEFAULT 0 CHECK (filled_quantity <= quantity),
	price                 NUMERIC(20, 6) NOT NULL,
	total_amount          NUMERIC(30, 6) NOT NULL,
	channel_id            TEXT NOT NULL DEFAULT '',
	transaction_id        TEXT NOT NULL DEFAULT '',
	matched_with_order_id TEXT NOT NULL DEFAULT '',
	tx_hash               TEXT NOT NULL DEFAULT '',
	expires_at            TIMESTAMPTZ,
	matched_at            TIMESTAMPTZ,
	settled_at            TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_unsettled_idx ON orders (status, channel_id) WHERE settled_at IS NULL;
CREATE INDEX IF NOT EXISTS orders_book_idx ON orders (property_id, type, status, created_at);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pgTx
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgTx: pgTx{q: pool}, pool: pool}
}

// Migrate applies Schema. Safe to call on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// WithTx runs fn inside a database transaction. Property and counter-order
// reads inside fn take row locks so concurrent orders on the same property
// serialize while other properties proceed.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx, lockRows: true})
	})
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, wallet_address, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.WalletAddress, u.CreatedAt,
	)
	return duplicate(err, "wallet "+u.WalletAddress)
}

func (s *PostgresStore) CreateProperty(ctx context.Context, p *model.Property) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties (id, name, total_shares, available_shares, price_per_share,
		                         contract_address, status, funding_completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		p.ID, p.Name, p.TotalShares, p.AvailableShares, p.PricePerShare.String(),
		p.ContractAddress, string(p.Status), p.FundingCompletedAt, p.CreatedAt,
	)
	return duplicate(err, "property "+p.ID)
}

const orderColumns = `id, user_id, property_id, type, status, quantity, filled_quantity,
	price::TEXT, total_amount::TEXT, channel_id, transaction_id, matched_with_order_id, tx_hash,
	expires_at, matched_at, settled_at, created_at, updated_at`

func (s *PostgresStore) ListUnsettledOrders(ctx context.Context) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND settled_at IS NULL ORDER BY created_at`, string(model.OrderMatched))
}

func (s *PostgresStore) ListMatchedOrdersByChannel(ctx context.Context, channelID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND settled_at IS NULL AND channel_id = $2 ORDER BY created_at`,
		string(model.OrderMatched), channelID)
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2 ORDER BY created_at`,
		string(model.OrderPending), now)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListOrdersByProperty(ctx context.Context, propertyID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE property_id = $1 ORDER BY created_at DESC`, propertyID)
}

const positionColumns = `id, user_id, property_id, shares, average_price::TEXT, total_invested::TEXT,
	current_value::TEXT, realized_gains::TEXT, unrealized_gains::TEXT, created_at, updated_at`

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY property_id`, userID)
}

func (s *PostgresStore) ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE property_id = $1 ORDER BY user_id`, propertyID)
}

func (s *PostgresStore) queryOrders(ctx context.Context, sql string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// pgTx implements Tx over a pool (autocommit) or an open transaction.
type pgTx struct {
	q        querier
	lockRows bool
}

func (t *pgTx) forUpdate() string {
	if t.lockRows {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := t.q.QueryRow(ctx,
		`SELECT id, wallet_address, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrUserNotFound, id)
	}
	return &u, nil
}

func (t *pgTx) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	var p model.Property
	var price, status string

	err := t.q.QueryRow(ctx,
		`SELECT id, name, total_shares, available_shares, price_per_share::TEXT,
		        contract_address, status, funding_completed_at, created_at
		 FROM properties WHERE id = $1`+t.forUpdate(), id).
		Scan(&p.ID, &p.Name, &p.TotalShares, &p.AvailableShares, &price,
			&p.ContractAddress, &status, &p.FundingCompletedAt, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrPropertyNotFound, id)
	}

	p.PricePerShare, _ = decimal.NewFromString(price)
	p.Status = model.PropertyStatus(status)
	return &p, nil
}

func (t *pgTx) UpdateProperty(ctx context.Context, p *model.Property) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE properties
		 SET available_shares = $2, status = $3, funding_completed_at = $4, price_per_share = $5::NUMERIC
		 WHERE id = $1`,
		p.ID, p.AvailableShares, string(p.Status), p.FundingCompletedAt, p.PricePerShare.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPropertyNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error) {
	row := t.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND property_id = $2`+t.forUpdate(), userID, propertyID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, model.ErrPositionNotFound, userID+"/"+propertyID)
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, user_id, property_id, shares, average_price, total_invested,
		                        current_value, realized_gains, unrealized_gains, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 ON CONFLICT (user_id, property_id) DO UPDATE SET
		     shares = EXCLUDED.shares,
		     average_price = EXCLUDED.average_price,
		     total_invested = EXCLUDED.total_invested,
		     current_value = EXCLUDED.current_value,
		     realized_gains = EXCLUDED.realized_gains,
		     unrealized_gains = EXCLUDED.unrealized_gains,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.PropertyID, p.Shares,
		p.AveragePrice.String(), p.TotalInvested.String(), p.CurrentValue.String(),
		p.RealizedGains.String(), p.UnrealizedGains.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, property_id, type, status, quantity, filled_quantity,
		                     price, total_amount, channel_id, transaction_id, matched_with_order_id, tx_hash,
		                     expires_at, matched_at, settled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.UserID, o.PropertyID, string(o.Type), string(o.Status), o.Quantity, o.FilledQuantity,
		o.Price.String(), o.TotalAmount.String(), o.ChannelID, o.TransactionID, o.MatchedWithOrderID, o.TxHash,
		o.ExpiresAt, o.MatchedAt, o.SettledAt, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+t.forUpdate(), id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, model.ErrOrderNotFound, id)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE orders
		 SET status = $2, filled_quantity = $3, channel_id = $4, transaction_id = $5,
		     matched_with_order_id = $6, tx_hash = $7, matched_at = $8, settled_at = $9, updated_at = $10
		 WHERE id = $1`,
		o.ID, string(o.Status), o.FilledQuantity, o.ChannelID, o.TransactionID,
		o.MatchedWithOrderID, o.TxHash, o.MatchedAt, o.SettledAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) FindCounterOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	priceCond := `price <= $4::NUMERIC` // buying: cheapest acceptable sellers
	if o.Type == model.OrderSell {
		priceCond = `price >= $4::NUMERIC`
	}
	row := t.q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE property_id = $1 AND type = $2 AND status = $3 AND `+priceCond+` AND id <> $5
		 ORDER BY created_at, id LIMIT 1`+t.forUpdate(),
		o.PropertyID, string(o.Type.Opposite()), string(model.OrderPending), o.Price.String(), o.ID)
	c, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, model.ErrOrderNotFound, "counter for "+o.ID)
	}
	return c, nil
}

func (t *pgTx) PendingSellQuantity(ctx context.Context, userID, propertyID string) (int64, error) {
	var total int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM orders
		 WHERE user_id = $1 AND property_id = $2 AND type = $3 AND status = $4`,
		userID, propertyID, string(model.OrderSell), string(model.OrderPending),
	).Scan(&total)
	return total, err
}

// --- scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var typ, status, price, total string

	if err := row.Scan(&o.ID, &o.UserID, &o.PropertyID, &typ, &status, &o.Quantity, &o.FilledQuantity,
		&price, &total, &o.ChannelID, &o.TransactionID, &o.MatchedWithOrderID, &o.TxHash,
		&o.ExpiresAt, &o.MatchedAt, &o.SettledAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	o.Type = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	o.Price, _ = decimal.NewFromString(price)
	o.TotalAmount, _ = decimal.NewFromString(total)
	return &o, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var avg, invested, value, realized, unrealized string

	if err := row.Scan(&p.ID, &p.UserID, &p.PropertyID, &p.Shares,
		&avg, &invested, &value, &realized, &unrealized, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.CurrentValue, _ = decimal.NewFromString(value)
	p.RealizedGains, _ = decimal.NewFromString(realized)
	p.UnrealizedGains, _ = decimal.NewFromString(unrealized)
	return &p, nil
}

func notFound(err error, sentinel error, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", sentinel, key)
	}
	return err
}

// duplicate maps a unique-constraint violation to model.ErrAlreadyExists.
func duplicate(err error, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrAlreadyExists, key)
	}
	return err
}
