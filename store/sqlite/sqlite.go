/*
Package sqlite provides a SQLite-backed implementation of the pricing store.

PURPOSE:

	Implements pricing.TxStore, pricing.TransactionFeed and
	pricing.FeedRecorder on a single SQLite database. This is the default
	backend for the server and the one the API tests run against.

KEY TABLES:

	customers, commission_assignments, user_customers   reseller tree
	pricing_links, supplier_rates, contracted_fees       MDR contracts
	cost_snapshots                                       generations per link
	settlements                                          one row per (customer, year, month)
	notifications, portal_settings, job_runs             operational state
	transactions                                         upstream feed (read-only to the core)

INDEXES:
  - idx_cost_snapshots_live: partial index on live rows (retired_at IS NULL)
  - idx_cost_snapshots_generation: unique (link, generation, key)
  - idx_settlements_period: unique (customer_id, year, month), the upsert key
  - idx_transactions_customer_time: feed lookups per customer and month

CONCURRENCY:

	The pool is limited to one connection. A unit of work opened by WithTx
	owns that connection until it commits, so every other reader and writer
	waits for it. This is what makes LockPricingLink and LockSettlement
	exclusive and keeps readers from seeing a half-swapped snapshot set.
	In production with PostgreSQL, row locks handle this instead (see
	store/postgres).

ENCODING:

	Decimals are TEXT (exact), timestamps are fixed-width UTC TEXT so that
	lexicographic order is chronological.

USAGE:

	store, err := sqlite.New("./data/pricing.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

SEE ALSO:
  - pricing/store.go: Interface definitions
  - pricing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/iso-pricing/pricing"
)

// timeLayout is fixed width so stored timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements pricing.Store over either the pool or an open transaction.
type conn struct {
	q queryer
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_parent
		ON customers(parent_id);

	CREATE TABLE IF NOT EXISTS commission_assignments (
		customer_id TEXT PRIMARY KEY REFERENCES customers(id),
		category_type TEXT NOT NULL,
		commission_percent TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_customers (
		user_id TEXT NOT NULL,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		PRIMARY KEY (user_id, customer_id)
	);

	CREATE TABLE IF NOT EXISTS pricing_links (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		supplier_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pendente',
		valid_from TEXT,
		valid_until TEXT,
		auto_renew BOOLEAN NOT NULL DEFAULT FALSE,
		notified_30d BOOLEAN NOT NULL DEFAULT FALSE,
		notified_7d BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pricing_links_customer
		ON pricing_links(customer_id);
	CREATE INDEX IF NOT EXISTS idx_pricing_links_status
		ON pricing_links(status);

	-- Validated supplier cost table, the input of snapshot generation
	CREATE TABLE IF NOT EXISTS supplier_rates (
		pricing_link_id TEXT NOT NULL REFERENCES pricing_links(id),
		method TEXT NOT NULL,
		brand TEXT NOT NULL,
		band TEXT NOT NULL,
		rate TEXT NOT NULL,
		PRIMARY KEY (pricing_link_id, method, brand, band)
	);

	-- Immutable snapshot rows; a generation is live while retired_at IS NULL
	CREATE TABLE IF NOT EXISTS cost_snapshots (
		id TEXT PRIMARY KEY,
		pricing_link_id TEXT NOT NULL REFERENCES pricing_links(id),
		generation INTEGER NOT NULL,
		method TEXT NOT NULL,
		brand TEXT NOT NULL,
		band TEXT NOT NULL,
		cost_rate TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		retired_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_cost_snapshots_generation
		ON cost_snapshots(pricing_link_id, generation, method, brand, band);
	CREATE INDEX IF NOT EXISTS idx_cost_snapshots_live
		ON cost_snapshots(pricing_link_id) WHERE retired_at IS NULL;

	CREATE TABLE IF NOT EXISTS contracted_fees (
		customer_id TEXT NOT NULL REFERENCES customers(id),
		method TEXT NOT NULL,
		brand TEXT NOT NULL,
		band TEXT NOT NULL,
		fee_rate TEXT NOT NULL,
		PRIMARY KEY (customer_id, method, brand, band)
	);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		transaction_count INTEGER NOT NULL,
		gross_amount TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		cost_amount TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_period
		ON settlements(customer_id, year, month);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		pricing_link_id TEXT,
		kind TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_customer
		ON notifications(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS portal_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		summary TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job
		ON job_runs(job, started_at);

	-- Upstream transaction/commission log
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		cost_amount TEXT NOT NULL,
		commission_amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_customer_time
		ON transactions(customer_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_time
		ON transactions(occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (pricing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store pricing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset deletes every row. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx pricing.Store) error {
		q := tx.(conn).q
		// Children before parents for the foreign keys.
		for _, table := range []string{
			"cost_snapshots", "supplier_rates", "contracted_fees", "notifications",
			"pricing_links", "commission_assignments", "user_customers", "customers",
			"settlements", "transactions", "portal_settings", "job_runs",
		} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (c conn) GetCustomer(ctx context.Context, id pricing.CustomerID) (pricing.Customer, error) {
	var (
		cust      pricing.Customer
		parentID  sql.NullString
		createdAt string
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT id, name, parent_id, active, created_at FROM customers WHERE id = ?`, id,
	).Scan(&cust.ID, &cust.Name, &parentID, &cust.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Customer{}, &pricing.NotFoundError{Kind: "customer", ID: string(id)}
	}
	if err != nil {
		return pricing.Customer{}, err
	}
	cust.ParentID = pricing.CustomerID(parentID.String)
	cust.CreatedAt, err = parseTime(createdAt)
	return cust, err
}

func (c conn) SaveCustomer(ctx context.Context, cust pricing.Customer) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO customers (id, name, parent_id, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			active = excluded.active
	`, cust.ID, cust.Name, nullString(string(cust.ParentID)), cust.Active, formatTime(cust.CreatedAt))
	return err
}

func (c conn) ListCustomers(ctx context.Context) ([]pricing.Customer, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, name, parent_id, active, created_at FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Customer
	for rows.Next() {
		var (
			cust      pricing.Customer
			parentID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&cust.ID, &cust.Name, &parentID, &cust.Active, &createdAt); err != nil {
			return nil, err
		}
		cust.ParentID = pricing.CustomerID(parentID.String)
		if cust.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, cust)
	}
	return out, rows.Err()
}

// =============================================================================
// COMMISSIONS AND USERS
// =============================================================================

func (c conn) GetCommissionAssignment(ctx context.Context, id pricing.CustomerID) (*pricing.CommissionAssignment, error) {
	var (
		a       = pricing.CommissionAssignment{CustomerID: id}
		percent string
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT category_type, commission_percent FROM commission_assignments WHERE customer_id = ?`, id,
	).Scan(&a.CategoryType, &percent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.CommissionPercent, err = parseDecimal(percent); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c conn) SaveCommissionAssignment(ctx context.Context, a pricing.CommissionAssignment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO commission_assignments (customer_id, category_type, commission_percent)
		VALUES (?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			category_type = excluded.category_type,
			commission_percent = excluded.commission_percent
	`, a.CustomerID, a.CategoryType, a.CommissionPercent.String())
	return err
}

func (c conn) DeleteCommissionAssignment(ctx context.Context, id pricing.CustomerID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM commission_assignments WHERE customer_id = ?`, id)
	return err
}

func (c conn) ListUserCustomers(ctx context.Context, userID pricing.UserID) ([]pricing.CustomerID, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT customer_id FROM user_customers WHERE user_id = ? ORDER BY customer_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.CustomerID
	for rows.Next() {
		var id pricing.CustomerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (c conn) AssignUserCustomer(ctx context.Context, userID pricing.UserID, customerID pricing.CustomerID) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_customers (user_id, customer_id) VALUES (?, ?)`, userID, customerID)
	return err
}

// =============================================================================
// PRICING LINKS
// =============================================================================

const linkColumns = `id, customer_id, supplier_id, status, valid_from, valid_until,
	auto_renew, notified_30d, notified_7d, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (pricing.PricingLink, error) {
	var (
		l                     pricing.PricingLink
		validFrom, validUntil sql.NullString
		createdAt, updatedAt  string
	)
	if err := row.Scan(&l.ID, &l.CustomerID, &l.SupplierID, &l.Status, &validFrom, &validUntil,
		&l.AutoRenew, &l.Notified30d, &l.Notified7d, &createdAt, &updatedAt); err != nil {
		return pricing.PricingLink{}, err
	}
	var err error
	if l.ValidFrom, err = parseNullTime(validFrom); err != nil {
		return l, err
	}
	if l.ValidUntil, err = parseNullTime(validUntil); err != nil {
		return l, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return l, err
	}
	l.UpdatedAt, err = parseTime(updatedAt)
	return l, err
}

func (c conn) GetPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	l, err := scanLink(c.q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM pricing_links WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.PricingLink{}, &pricing.NotFoundError{Kind: "pricing_link", ID: string(id)}
	}
	return l, err
}

// LockPricingLink reads the link. Exclusivity comes from the single
// connection held by the enclosing transaction.
func (c conn) LockPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	return c.GetPricingLink(ctx, id)
}

func (c conn) ListPricingLinks(ctx context.Context, f pricing.LinkFilter) ([]pricing.PricingLink, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + linkColumns + ` FROM pricing_links`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.PricingLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c conn) SavePricingLink(ctx context.Context, l pricing.PricingLink) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO pricing_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			auto_renew = excluded.auto_renew,
			notified_30d = excluded.notified_30d,
			notified_7d = excluded.notified_7d,
			updated_at = excluded.updated_at
	`, l.ID, l.CustomerID, l.SupplierID, l.Status,
		nullTime(l.ValidFrom), nullTime(l.ValidUntil),
		l.AutoRenew, l.Notified30d, l.Notified7d,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	return err
}

// =============================================================================
// RATE TABLES
// =============================================================================

func (c conn) queryRates(ctx context.Context, query string, args ...any) ([]pricing.RateEntry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.RateEntry
	for rows.Next() {
		var (
			r     pricing.RateEntry
			value string
		)
		if err := rows.Scan(&r.Method, &r.Brand, &r.Band, &value); err != nil {
			return nil, err
		}
		if r.Rate, err = parseDecimal(value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c conn) ListSupplierRates(ctx context.Context, id pricing.PricingLinkID) ([]pricing.RateEntry, error) {
	return c.queryRates(ctx, `
		SELECT method, brand, band, rate FROM supplier_rates
		WHERE pricing_link_id = ? ORDER BY method, brand, band`, id)
}

func (c conn) SaveSupplierRates(ctx context.Context, id pricing.PricingLinkID, rates []pricing.RateEntry) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM supplier_rates WHERE pricing_link_id = ?`, id); err != nil {
		return err
	}
	for _, r := range rates {
		if _, err := c.q.ExecContext(ctx,
			`INSERT INTO supplier_rates (pricing_link_id, method, brand, band, rate) VALUES (?, ?, ?, ?, ?)`,
			id, r.Method, r.Brand, r.Band, r.Rate.String()); err != nil {
			return err
		}
	}
	return nil
}

func (c conn) ListContractedFees(ctx context.Context, id pricing.CustomerID) ([]pricing.ContractedFee, error) {
	rates, err := c.queryRates(ctx, `
		SELECT method, brand, band, fee_rate FROM contracted_fees
		WHERE customer_id = ? ORDER BY method, brand, band`, id)
	if err != nil {
		return nil, err
	}
	out := make([]pricing.ContractedFee, len(rates))
	for i, r := range rates {
		out[i] = pricing.ContractedFee{CustomerID: id, RateEntry: r}
	}
	return out, nil
}

func (c conn) SaveContractedFees(ctx context.Context, id pricing.CustomerID, fees []pricing.RateEntry) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM contracted_fees WHERE customer_id = ?`, id); err != nil {
		return err
	}
	for _, r := range fees {
		if _, err := c.q.ExecContext(ctx,
			`INSERT INTO contracted_fees (customer_id, method, brand, band, fee_rate) VALUES (?, ?, ?, ?, ?)`,
			id, r.Method, r.Brand, r.Band, r.Rate.String()); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

const snapshotColumns = `id, pricing_link_id, generation, method, brand, band, cost_rate, generated_at, retired_at`

func (c conn) querySnapshots(ctx context.Context, query string, args ...any) ([]pricing.CostSnapshot, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.CostSnapshot
	for rows.Next() {
		var (
			s           pricing.CostSnapshot
			cost        string
			generatedAt string
			retiredAt   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.PricingLinkID, &s.Generation, &s.Method, &s.Brand, &s.Band,
			&cost, &generatedAt, &retiredAt); err != nil {
			return nil, err
		}
		if s.CostRate, err = parseDecimal(cost); err != nil {
			return nil, err
		}
		if s.GeneratedAt, err = parseTime(generatedAt); err != nil {
			return nil, err
		}
		if retiredAt.Valid {
			t, err := parseTime(retiredAt.String)
			if err != nil {
				return nil, err
			}
			s.RetiredAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c conn) ListLiveSnapshots(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return c.querySnapshots(ctx, `
		SELECT `+snapshotColumns+` FROM cost_snapshots
		WHERE pricing_link_id = ? AND retired_at IS NULL
		ORDER BY method, brand, band`, id)
}

func (c conn) ListSnapshotHistory(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return c.querySnapshots(ctx, `
		SELECT `+snapshotColumns+` FROM cost_snapshots
		WHERE pricing_link_id = ?
		ORDER BY generation DESC, method, brand, band`, id)
}

func (c conn) LatestSnapshotGeneration(ctx context.Context, id pricing.PricingLinkID) (int, error) {
	var gen int
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM cost_snapshots WHERE pricing_link_id = ?`, id).Scan(&gen)
	return gen, err
}

// ReplaceSnapshots retires the live rows and inserts the new generation.
// Both statements run on the caller's transaction.
func (c conn) ReplaceSnapshots(ctx context.Context, id pricing.PricingLinkID, rows []pricing.CostSnapshot, retiredAt time.Time) error {
	if _, err := c.q.ExecContext(ctx,
		`UPDATE cost_snapshots SET retired_at = ? WHERE pricing_link_id = ? AND retired_at IS NULL`,
		formatTime(retiredAt), id); err != nil {
		return err
	}
	for _, s := range rows {
		if _, err := c.q.ExecContext(ctx, `
			INSERT INTO cost_snapshots (`+snapshotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			s.ID, id, s.Generation, s.Method, s.Brand, s.Band, s.CostRate.String(), formatTime(s.GeneratedAt),
		); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("snapshot generation %d already exists for %s: %w", s.Generation, id, err)
			}
			return err
		}
	}
	return nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, customer_id, year, month, transaction_count, gross_amount, fee_amount,
	cost_amount, commission_amount, net_amount, created_at, updated_at`

func scanSettlement(row scanner) (pricing.SettlementRecord, error) {
	var (
		r                                 pricing.SettlementRecord
		gross, fee, cost, commission, net string
		createdAt, updatedAt              string
	)
	if err := row.Scan(&r.ID, &r.CustomerID, &r.Year, &r.Month, &r.TransactionCount,
		&gross, &fee, &cost, &commission, &net, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&r.GrossAmount, gross}, {&r.FeeAmount, fee}, {&r.CostAmount, cost}, {&r.CommissionAmount, commission}, {&r.NetAmount, net}} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return r, err
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	return r, err
}

func (c conn) LockSettlement(ctx context.Context, id pricing.CustomerID, year, month int) (*pricing.SettlementRecord, error) {
	r, err := scanSettlement(c.q.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE customer_id = ? AND year = ? AND month = ?`,
		id, year, month))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c conn) SaveSettlement(ctx context.Context, r pricing.SettlementRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, year, month) DO UPDATE SET
			transaction_count = excluded.transaction_count,
			gross_amount = excluded.gross_amount,
			fee_amount = excluded.fee_amount,
			cost_amount = excluded.cost_amount,
			commission_amount = excluded.commission_amount,
			net_amount = excluded.net_amount,
			updated_at = excluded.updated_at
	`, r.ID, r.CustomerID, r.Year, r.Month, r.TransactionCount,
		r.GrossAmount.String(), r.FeeAmount.String(), r.CostAmount.String(),
		r.CommissionAmount.String(), r.NetAmount.String(),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

func (c conn) ListSettlements(ctx context.Context, year, month int) ([]pricing.SettlementRecord, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE year = ? AND month = ? ORDER BY customer_id`,
		year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.SettlementRecord
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (c conn) CreateNotification(ctx context.Context, n pricing.Notification) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO notifications (id, customer_id, pricing_link_id, kind, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.CustomerID, nullString(string(n.PricingLinkID)), n.Kind, n.Read, formatTime(n.CreatedAt))
	return err
}

func (c conn) ListNotifications(ctx context.Context, id pricing.CustomerID) ([]pricing.Notification, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, customer_id, pricing_link_id, kind, read, created_at
		FROM notifications WHERE customer_id = ?
		ORDER BY created_at DESC, rowid DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Notification
	for rows.Next() {
		var (
			n         pricing.Notification
			linkID    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.CustomerID, &linkID, &n.Kind, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		n.PricingLinkID = pricing.PricingLinkID(linkID.String)
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (c conn) MarkNotificationRead(ctx context.Context, id pricing.NotificationID) error {
	res, err := c.q.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pricing.NotFoundError{Kind: "notification", ID: string(id)}
	}
	return nil
}

func (c conn) MarkAllNotificationsRead(ctx context.Context, id pricing.CustomerID) (int, error) {
	res, err := c.q.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE customer_id = ? AND read = FALSE`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// PORTAL SETTINGS AND JOB RUNS
// =============================================================================

const marginSplitKey = "margin_split"

func (c conn) GetMarginSplit(ctx context.Context) (*pricing.MarginSplit, error) {
	var value string
	err := c.q.QueryRowContext(ctx, `SELECT value FROM portal_settings WHERE key = ?`, marginSplitKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSplit(value)
}

func (c conn) SaveMarginSplit(ctx context.Context, split pricing.MarginSplit) error {
	value, err := encodeSplit(split)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO portal_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		marginSplitKey, value, formatTime(time.Now()))
	return err
}

func (c conn) SaveJobRun(ctx context.Context, r pricing.JobRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(formatTime(*r.CompletedAt))
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, status, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Job, r.Status, nullString(r.Summary), nullString(r.Error), formatTime(r.StartedAt), completedAt)
	return err
}

func (c conn) ListJobRuns(ctx context.Context, job string, limit int) ([]pricing.JobRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, job, status, summary, error, started_at, completed_at FROM job_runs
		WHERE (? = '' OR job = ?)
		ORDER BY started_at DESC
		LIMIT ?`, job, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.JobRun
	for rows.Next() {
		var (
			r                pricing.JobRun
			summary, errText sql.NullString
			startedAt        string
			completedAt      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &summary, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Summary, r.Error = summary.String, errText.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION FEED (pricing.TransactionFeed, pricing.FeedRecorder)
// =============================================================================

func monthRange(year, month int) (string, string) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return formatTime(start), formatTime(start.AddDate(0, 1, 0))
}

func (c conn) ActiveCustomers(ctx context.Context, year, month int) ([]pricing.CustomerID, error) {
	from, to := monthRange(year, month)
	rows, err := c.q.QueryContext(ctx, `
		SELECT DISTINCT customer_id FROM transactions
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY customer_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.CustomerID
	for rows.Next() {
		var id pricing.CustomerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (c conn) TransactionsAndCommissionsFor(ctx context.Context, id pricing.CustomerID, year, month int) ([]pricing.FeedRow, error) {
	from, to := monthRange(year, month)
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, customer_id, occurred_at, amount, fee_amount, cost_amount, commission_amount
		FROM transactions
		WHERE customer_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id`, id, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.FeedRow
	for rows.Next() {
		var (
			r                             pricing.FeedRow
			occurredAt                    string
			amount, fee, cost, commission string
		)
		if err := rows.Scan(&r.TransactionID, &r.CustomerID, &occurredAt, &amount, &fee, &cost, &commission); err != nil {
			return nil, err
		}
		if r.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&r.Amount, amount}, {&r.FeeAmount, fee}, {&r.CostAmount, cost}, {&r.CommissionAmount, commission}} {
			if *f.dst, err = parseDecimal(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTransactions upserts feed rows by transaction id so a replayed
// upstream batch replaces instead of duplicating.
func (c conn) RecordTransactions(ctx context.Context, rows []pricing.FeedRow) error {
	for _, r := range rows {
		if _, err := c.q.ExecContext(ctx, `
			INSERT INTO transactions (id, customer_id, occurred_at, amount, fee_amount, cost_amount, commission_amount)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				customer_id = excluded.customer_id,
				occurred_at = excluded.occurred_at,
				amount = excluded.amount,
				fee_amount = excluded.fee_amount,
				cost_amount = excluded.cost_amount,
				commission_amount = excluded.commission_amount`,
			r.TransactionID, r.CustomerID, formatTime(r.OccurredAt), r.Amount.String(),
			r.FeeAmount.String(), r.CostAmount.String(), r.CommissionAmount.String()); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func encodeSplit(split pricing.MarginSplit) (string, error) {
	b, err := json.Marshal(split)
	if err != nil {
		return "", fmt.Errorf("failed to encode margin split: %w", err)
	}
	return string(b), nil
}

func decodeSplit(value string) (*pricing.MarginSplit, error) {
	var split pricing.MarginSplit
	if err := json.Unmarshal([]byte(value), &split); err != nil {
		return nil, fmt.Errorf("failed to decode margin split: %w", err)
	}
	return &split, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(formatTime(t))
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ pricing.TxStore         = (*Store)(nil)
	_ pricing.TransactionFeed = (*Store)(nil)
	_ pricing.FeedRecorder    = (*Store)(nil)
)
