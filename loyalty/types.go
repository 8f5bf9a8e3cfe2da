/*
Package loyalty provides the loyalty-point ledger for the fuel station back office.

PURPOSE:
  Records fuel purchases, grants time-limited loyalty points, and lets
  points be redeemed. Everything with real design content lives here:
  how points are granted (accrual), how they expire, how redemption
  consumes them across several grants, and how voiding a purchase
  reverses its effects.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer:   Directory record plus a cached point balance
  - Purchase:   A recorded fuel purchase; fixes PointsEarned at creation
  - Lot:        One grant of points with its own expiry and remainder
  - Redemption: Append-only audit record of points spent

LOT LIFECYCLE:
  active   --(points reach zero)-->  depleted
  active   --(ExpiresAt passes)--->  expired

  Depletion and expiration are tracked separately. A depleted lot keeps
  its original ExpiresAt so the grant stays auditable.

CACHED BALANCE:
  Customer.CachedBalance is a materialized projection of the sum of
  PointsRemaining over the customer's active lots. Every write path
  (accrual, redemption, reversal, expiry sweep) adjusts it in the same
  transaction as the lot mutation.

SEE ALSO:
  - accrual.go:    Purchase -> Lot
  - redemption.go: Earliest-expiring-first depletion
  - reversal.go:   Voiding a purchase
  - balance.go:    Read-only projections
  - store.go:      Persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type PurchaseID string
type LotID int64
type RedemptionID string

// =============================================================================
// CUSTOMER
// =============================================================================

type Customer struct {
	ID            CustomerID
	Name          string
	Email         string
	Phone         string
	NIC           string
	CachedBalance int64
	CreatedAt     time.Time
}

// =============================================================================
// PURCHASE
// =============================================================================

type Purchase struct {
	ID           PurchaseID
	CustomerID   CustomerID
	Amount       decimal.Decimal
	PointsEarned int64
	Timestamp    time.Time
}

// =============================================================================
// LOT
// =============================================================================

type LotStatus string

const (
	LotActive   LotStatus = "active"
	LotDepleted LotStatus = "depleted"
	LotExpired  LotStatus = "expired"
)

// Lot is a single grant of points.
//
// INVARIANTS:
//   - PointsRemaining is never negative and never exceeds PointsGranted.
//   - Only the allocator decrements PointsRemaining.
//   - Only reversal deletes a lot.
type Lot struct {
	ID              LotID
	CustomerID      CustomerID
	PurchaseID      *PurchaseID
	PointsGranted   int64
	PointsRemaining int64
	GrantedAt       time.Time
	ExpiresAt       time.Time
	Status          LotStatus
	DepletedAt      *time.Time

	// Version is bumped by the store on every update. An update carrying a
	// stale version is rejected with ErrConcurrentModification.
	Version int64
}

// IsActive reports whether the lot can satisfy a redemption at now.
func (l Lot) IsActive(now time.Time) bool {
	return l.Status == LotActive && l.ExpiresAt.After(now) && l.PointsRemaining > 0
}

// StatusAt returns the effective status at now. A lot stored as active
// whose expiry has passed is reported as expired even before the sweep
// has persisted the transition.
func (l Lot) StatusAt(now time.Time) LotStatus {
	if l.Status == LotActive && !l.ExpiresAt.After(now) {
		return LotExpired
	}
	return l.Status
}

// cachedContribution is what this lot currently adds to the owner's
// cached balance: its remainder until it is depleted or swept.
func (l Lot) cachedContribution() int64 {
	if l.Status != LotActive {
		return 0
	}
	return l.PointsRemaining
}

// =============================================================================
// REDEMPTION
// =============================================================================

type Redemption struct {
	ID         RedemptionID
	CustomerID CustomerID
	Amount     int64
	Timestamp  time.Time
}

// =============================================================================
// RESULTS
// =============================================================================

// TransactionReceipt is returned to callers recording a purchase.
type TransactionReceipt struct {
	ID           PurchaseID
	PointsEarned int64
}

// BalanceSummary splits a point total by expiry.
type BalanceSummary struct {
	Available int64
	Expired   int64
}

// DashboardSummary feeds the admin dashboard.
type DashboardSummary struct {
	BalanceSummary
	TotalCustomers int
}
