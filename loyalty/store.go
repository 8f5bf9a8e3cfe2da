/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The store
  holds customers, purchases, lots and redemptions. Redemptions are
  append-only; lots are inserted by accrual, updated by the allocator and
  the expiry sweep, and deleted only by reversal.

KEY INTERFACES:
  Store:       Record-level reads and writes
  TxStore:     Store plus atomic multi-record commits
  TotalsStore: Optional aggregate query for the balance projector

UNIQUENESS:
  InsertCustomer, InsertPurchase and InsertRedemption must reject a
  colliding primary key with ErrDuplicateID. The ledger relies on this
  for purchase tokens instead of a check-then-insert.

OPTIMISTIC CONCURRENCY:
  UpdateLot succeeds only if the stored version equals lot.Version, and
  bumps it. A mismatch returns ErrConcurrentModification.

ORDERING:
  ListLots returns lots ordered by ExpiresAt ascending, then ID ascending.

NOT FOUND:
  Get* methods return (nil, nil) for a missing record. Mutations on a
  missing record return ErrCustomerNotFound / ErrPurchaseNotFound.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory for tests and local runs
  - store/sqlite/sqlite.go:  SQLite
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// LotFilter narrows ListLots. Zero values mean "no constraint".
type LotFilter struct {
	CustomerID   *CustomerID
	Status       LotStatus  // stored status
	ExpiresAfter *time.Time // ExpiresAt > t
	ExpiresBy    *time.Time // ExpiresAt <= t
	PositiveOnly bool       // PointsRemaining > 0
}

// ActiveLots selects the lots that can satisfy a redemption at now.
func ActiveLots(customerID CustomerID, now time.Time) LotFilter {
	return LotFilter{
		CustomerID:   &customerID,
		Status:       LotActive,
		ExpiresAfter: &now,
		PositiveOnly: true,
	}
}

// Matches applies the filter in memory.
func (f LotFilter) Matches(l Lot) bool {
	if f.CustomerID != nil && l.CustomerID != *f.CustomerID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.ExpiresAfter != nil && !l.ExpiresAt.After(*f.ExpiresAfter) {
		return false
	}
	if f.ExpiresBy != nil && l.ExpiresAt.After(*f.ExpiresBy) {
		return false
	}
	if f.PositiveOnly && l.PointsRemaining <= 0 {
		return false
	}
	return true
}

// CustomerFilter narrows ListCustomers.
type CustomerFilter struct {
	NameContains string // case-insensitive substring
}

// PurchaseFilter narrows ListPurchases.
type PurchaseFilter struct {
	CustomerID *CustomerID
	From       *time.Time // Timestamp >= From
	To         *time.Time // Timestamp <= To
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	InsertCustomer(ctx context.Context, c Customer) error
	UpdateCustomer(ctx context.Context, c Customer) error
	DeleteCustomer(ctx context.Context, id CustomerID) error
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error)
	CountCustomers(ctx context.Context) (int, error)

	// AdjustCachedBalance adds delta (possibly negative) to the cached balance.
	AdjustCachedBalance(ctx context.Context, id CustomerID, delta int64) error

	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)
	DeletePurchase(ctx context.Context, id PurchaseID) error
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)

	InsertLot(ctx context.Context, l Lot) error
	UpdateLot(ctx context.Context, l Lot) error
	DeleteLot(ctx context.Context, id LotID) error
	LotsByPurchase(ctx context.Context, id PurchaseID) ([]Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)

	InsertRedemption(ctx context.Context, r Redemption) error
	ListRedemptions(ctx context.Context, customerID CustomerID) ([]Redemption, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// PointTotals is an aggregate over lots split at an instant.
type PointTotals struct {
	Available int64 // Σ PointsRemaining where ExpiresAt >= asOf
	Expired   int64 // Σ PointsRemaining where ExpiresAt < asOf
}

// TotalsStore is implemented by stores that can aggregate in the database.
// A nil customerID aggregates across all customers.
type TotalsStore interface {
	PointTotals(ctx context.Context, customerID *CustomerID, asOf time.Time) (PointTotals, error)
}
