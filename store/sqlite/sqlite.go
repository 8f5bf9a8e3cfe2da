/*
Package sqlite provides a SQLite-backed implementation of the loyalty storage interfaces.

PURPOSE:
  Implements loyalty.TxStore and loyalty.TotalsStore on SQLite, plus the
  admin credential table used by the API's login endpoint.

INTERFACES IMPLEMENTED:
  loyalty.Store:       Customers, purchases, lots, redemptions
  loyalty.TxStore:     Atomic multi-record commits
  loyalty.TotalsStore: Available/expired aggregate in SQL

KEY TABLES:
  customers:   Directory records and the cached point balance
  purchases:   Recorded fuel purchases, keyed by receipt token
  lots:        Point grants with remainder, expiry, status and version
  redemptions: Append-only audit of points spent
  admins:      Back-office credentials (bcrypt hashes)

  Purchases, lots and redemptions reference their customer with
  ON DELETE CASCADE; lots reference their purchase the same way.

INDEXES:
  - idx_lots_customer_active: Redemption candidate scan (hot path)
  - idx_lots_status_expiry:   Expiry sweep
  - idx_lots_purchase:        Reversal lookup
  - idx_purchases_customer:   Purchase history by date

TIME ENCODING:
  Times are stored as fixed-width UTC text (nanosecond precision), so
  string comparison in SQL orders the same way as time comparison.

CONCURRENCY:
  File databases run in WAL mode with BEGIN IMMEDIATE transactions and a
  busy timeout: readers don't block and writers queue instead of failing.
  An in-memory database is private to its connection, so the pool is
  pinned to a single connection.

  Every statement issued through the Store handed to WithTx runs on the
  *sql.Tx; nothing inside a transaction reads through the pool.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger, err := loyalty.NewLedger(store, program, ids, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fuel-loyalty/loyalty"
)

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the loyalty storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ loyalty.TxStore     = (*Store)(nil)
	_ loyalty.TotalsStore = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs them on the pool and WithTx
// on the transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")

	dsn := dbPath
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
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
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		nic TEXT NOT NULL,
		cached_balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_name ON customers(name);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		amount TEXT NOT NULL,
		points_earned INTEGER NOT NULL CHECK (points_earned >= 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_customer
		ON purchases(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS lots (
		id INTEGER PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		purchase_id TEXT REFERENCES purchases(id) ON DELETE CASCADE,
		points_granted INTEGER NOT NULL CHECK (points_granted >= 0),
		points_remaining INTEGER NOT NULL
			CHECK (points_remaining >= 0 AND points_remaining <= points_granted),
		granted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'depleted', 'expired')),
		depleted_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_lots_customer_active
		ON lots(customer_id, status, expires_at, id);
	CREATE INDEX IF NOT EXISTS idx_lots_status_expiry
		ON lots(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_lots_purchase
		ON lots(purchase_id) WHERE purchase_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		amount INTEGER NOT NULL CHECK (amount > 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_customer
		ON redemptions(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS admins (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, email, phone, nic, cached_balance, created_at`

func (s *queries) InsertCustomer(ctx context.Context, c loyalty.Customer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Email, c.Phone, c.NIC, c.CachedBalance, formatTime(c.CreatedAt))
	return classify("customer "+string(c.ID), err)
}

// UpdateCustomer writes directory fields only. The cached balance is owned
// by AdjustCachedBalance.
func (s *queries) UpdateCustomer(ctx context.Context, c loyalty.Customer) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE customers SET name = ?, email = ?, phone = ?, nic = ?
		WHERE id = ?
	`, c.Name, c.Email, c.Phone, c.NIC, c.ID)
	if err != nil {
		return classify("customer "+string(c.ID), err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, c.ID))
}

func (s *queries) DeleteCustomer(ctx context.Context, id loyalty.CustomerID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id))
}

func (s *queries) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCustomers returns customers ordered by name, then id.
func (s *queries) ListCustomers(ctx context.Context, f loyalty.CustomerFilter) ([]loyalty.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers`
	var args []any
	if f.NameContains != "" {
		query += ` WHERE LOWER(name) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(f.NameContains))+"%")
	}
	query += ` ORDER BY name, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *queries) CountCustomers(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`).Scan(&n)
	return n, err
}

func (s *queries) AdjustCachedBalance(ctx context.Context, id loyalty.CustomerID, delta int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE customers SET cached_balance = cached_balance + ? WHERE id = ?
	`, delta, id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id))
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, customer_id, amount, points_earned, created_at`

func (s *queries) InsertPurchase(ctx context.Context, p loyalty.Purchase) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.CustomerID, p.Amount.String(), p.PointsEarned, formatTime(p.Timestamp))
	return classify("purchase "+string(p.ID), err)
}

func (s *queries) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (*loyalty.Purchase, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) DeletePurchase(ctx context.Context, id loyalty.PurchaseID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM purchases WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: %s", loyalty.ErrPurchaseNotFound, id))
}

// ListPurchases returns purchases ordered by timestamp, then id.
func (s *queries) ListPurchases(ctx context.Context, f loyalty.PurchaseFilter) ([]loyalty.Purchase, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	query := `SELECT ` + purchaseColumns + ` FROM purchases` + whereClause(where) + ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, customer_id, purchase_id, points_granted, points_remaining,
	granted_at, expires_at, status, depleted_at, version`

func (s *queries) InsertLot(ctx context.Context, l loyalty.Lot) error {
	if l.Version == 0 {
		l.Version = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(l.ID), l.CustomerID, nullPurchaseID(l.PurchaseID), l.PointsGranted, l.PointsRemaining,
		formatTime(l.GrantedAt), formatTime(l.ExpiresAt), string(l.Status), nullTime(l.DepletedAt), l.Version)
	return classify(fmt.Sprintf("lot %d", l.ID), err)
}

// UpdateLot writes the mutable lot fields if the stored version still
// matches l.Version, and bumps it.
func (s *queries) UpdateLot(ctx context.Context, l loyalty.Lot) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE lots
		SET points_remaining = ?, status = ?, depleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, l.PointsRemaining, string(l.Status), nullTime(l.DepletedAt), int64(l.ID), l.Version)
	if err != nil {
		return classify(fmt.Sprintf("lot %d", l.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current int64
	err = s.q.QueryRowContext(ctx, `SELECT version FROM lots WHERE id = ?`, int64(l.ID)).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("lot %d: %w", l.ID, loyalty.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("lot %d at version %d, have %d: %w",
		l.ID, current, l.Version, loyalty.ErrConcurrentModification)
}

func (s *queries) DeleteLot(ctx context.Context, id loyalty.LotID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, int64(id))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("lot %d: %w", id, loyalty.ErrNotFound))
}

func (s *queries) LotsByPurchase(ctx context.Context, id loyalty.PurchaseID) ([]loyalty.Lot, error) {
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM lots WHERE purchase_id = ? ORDER BY expires_at, id`, id)
}

// ListLots returns lots matching f ordered by expiry, then id.
func (s *queries) ListLots(ctx context.Context, f loyalty.LotFilter) ([]loyalty.Lot, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ExpiresAfter != nil {
		where = append(where, "expires_at > ?")
		args = append(args, formatTime(*f.ExpiresAfter))
	}
	if f.ExpiresBy != nil {
		where = append(where, "expires_at <= ?")
		args = append(args, formatTime(*f.ExpiresBy))
	}
	if f.PositiveOnly {
		where = append(where, "points_remaining > 0")
	}
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM lots`+whereClause(where)+` ORDER BY expires_at, id`, args...)
}

func (s *queries) queryLots(ctx context.Context, query string, args ...any) ([]loyalty.Lot, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PointTotals aggregates remaining points split at asOf.
func (s *queries) PointTotals(ctx context.Context, customerID *loyalty.CustomerID, asOf time.Time) (loyalty.PointTotals, error) {
	at := formatTime(asOf)
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN expires_at >= ? THEN points_remaining ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at <  ? THEN points_remaining ELSE 0 END), 0)
		FROM lots`
	args := []any{at, at}
	if customerID != nil {
		query += ` WHERE customer_id = ?`
		args = append(args, *customerID)
	}

	var t loyalty.PointTotals
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&t.Available, &t.Expired)
	return t, err
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (s *queries) InsertRedemption(ctx context.Context, r loyalty.Redemption) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO redemptions (id, customer_id, amount, created_at)
		VALUES (?, ?, ?, ?)
	`, r.ID, r.CustomerID, r.Amount, formatTime(r.Timestamp))
	return classify("redemption "+string(r.ID), err)
}

// ListRedemptions returns the customer's redemptions, oldest first.
func (s *queries) ListRedemptions(ctx context.Context, id loyalty.CustomerID) ([]loyalty.Redemption, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, customer_id, amount, created_at
		FROM redemptions WHERE customer_id = ?
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Redemption
	for rows.Next() {
		var (
			r  loyalty.Redemption
			ts string
		)
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.Amount, &ts); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ADMINS
// =============================================================================

// AdminRecord is a back-office login.
type AdminRecord struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// SaveAdmin creates or replaces the admin's password hash.
func (s *Store) SaveAdmin(ctx context.Context, a AdminRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (username, password_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash
	`, a.Username, a.PasswordHash, formatTime(a.CreatedAt))
	return err
}

func (s *Store) GetAdmin(ctx context.Context, username string) (*AdminRecord, error) {
	var (
		a  AdminRecord
		ts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, created_at FROM admins WHERE username = ?
	`, username).Scan(&a.Username, &a.PasswordHash, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(ts); err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (loyalty.Customer, error) {
	var (
		c  loyalty.Customer
		ts string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.NIC, &c.CachedBalance, &ts); err != nil {
		return c, err
	}
	var err error
	c.CreatedAt, err = parseTime(ts)
	return c, err
}

func scanPurchase(row scanner) (loyalty.Purchase, error) {
	var (
		p      loyalty.Purchase
		amount string
		ts     string
	)
	if err := row.Scan(&p.ID, &p.CustomerID, &amount, &p.PointsEarned, &ts); err != nil {
		return p, err
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("purchase %s amount %q: %w", p.ID, amount, err)
	}
	p.Timestamp, err = parseTime(ts)
	return p, err
}

func scanLot(row scanner) (loyalty.Lot, error) {
	var (
		l          loyalty.Lot
		id         int64
		purchaseID sql.NullString
		grantedAt  string
		expiresAt  string
		status     string
		depletedAt sql.NullString
	)
	if err := row.Scan(&id, &l.CustomerID, &purchaseID, &l.PointsGranted, &l.PointsRemaining,
		&grantedAt, &expiresAt, &status, &depletedAt, &l.Version); err != nil {
		return l, err
	}
	l.ID = loyalty.LotID(id)
	l.Status = loyalty.LotStatus(status)
	if purchaseID.Valid {
		pid := loyalty.PurchaseID(purchaseID.String)
		l.PurchaseID = &pid
	}

	var err error
	if l.GrantedAt, err = parseTime(grantedAt); err != nil {
		return l, err
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return l, err
	}
	if depletedAt.Valid {
		at, err := parseTime(depletedAt.String)
		if err != nil {
			return l, err
		}
		l.DepletedAt = &at
	}
	return l, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullPurchaseID(id *loyalty.PurchaseID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// classify maps constraint violations onto the loyalty error taxonomy.
func classify(what string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%s: %w", what, loyalty.ErrDuplicateID)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%s references a missing record: %w", what, loyalty.ErrInconsistentState)
	}
	return err
}
