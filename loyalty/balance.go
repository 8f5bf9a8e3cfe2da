/*
balance.go - Read-only point projections

PURPOSE:
  Aggregates lots into available vs expired totals for dashboards and
  per-customer summaries. Nothing here mutates state or takes ledger
  locks; a snapshot a few milliseconds stale relative to concurrent
  writers is acceptable.

DEFINITIONS (at instant now):
  available = Σ PointsRemaining where ExpiresAt >= now
  expired   = Σ PointsRemaining where ExpiresAt <  now

  Depleted lots hold zero points and so add nothing to either side.

FAST PATH:
  Stores implementing TotalsStore aggregate in the database. Otherwise
  the lots are loaded and summed here.
*/
package loyalty

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Summarize totals lots at now.
func Summarize(lots []Lot, now time.Time) BalanceSummary {
	var s BalanceSummary
	for _, lot := range lots {
		if lot.ExpiresAt.Before(now) {
			s.Expired += lot.PointsRemaining
		} else {
			s.Available += lot.PointsRemaining
		}
	}
	return s
}

// SummarizeByCustomer totals lots at now, per owner.
func SummarizeByCustomer(lots []Lot, now time.Time) map[CustomerID]BalanceSummary {
	out := make(map[CustomerID]BalanceSummary)
	for _, lot := range lots {
		s := out[lot.CustomerID]
		if lot.ExpiresAt.Before(now) {
			s.Expired += lot.PointsRemaining
		} else {
			s.Available += lot.PointsRemaining
		}
		out[lot.CustomerID] = s
	}
	return out
}

// GetBalanceSummary totals one customer's lots, or every lot when
// customerID is nil.
func (l *Ledger) GetBalanceSummary(ctx context.Context, customerID *CustomerID) (BalanceSummary, error) {
	if customerID != nil {
		if err := l.requireCustomer(ctx, *customerID); err != nil {
			return BalanceSummary{}, err
		}
	}
	now := l.now()

	if ts, ok := l.Store.(TotalsStore); ok {
		t, err := ts.PointTotals(ctx, customerID, now)
		if err != nil {
			return BalanceSummary{}, storeErr("point totals", err)
		}
		return BalanceSummary{Available: t.Available, Expired: t.Expired}, nil
	}

	lots, err := l.Store.ListLots(ctx, LotFilter{CustomerID: customerID})
	if err != nil {
		return BalanceSummary{}, storeErr("list lots", err)
	}
	return Summarize(lots, now), nil
}

// Dashboard returns global point totals and the customer count.
func (l *Ledger) Dashboard(ctx context.Context) (DashboardSummary, error) {
	totals, err := l.GetBalanceSummary(ctx, nil)
	if err != nil {
		return DashboardSummary{}, err
	}
	n, err := l.Store.CountCustomers(ctx)
	if err != nil {
		return DashboardSummary{}, storeErr("count customers", err)
	}
	return DashboardSummary{BalanceSummary: totals, TotalCustomers: n}, nil
}

// =============================================================================
// CUSTOMER BALANCES
// =============================================================================

// CustomerBalance is a directory entry with its point projection.
type CustomerBalance struct {
	Customer
	BalanceSummary
}

// ListCustomerBalances returns matching customers with their totals,
// computed from a single lot scan.
func (l *Ledger) ListCustomerBalances(ctx context.Context, filter CustomerFilter) ([]CustomerBalance, error) {
	customers, err := l.Store.ListCustomers(ctx, filter)
	if err != nil {
		return nil, storeErr("list customers", err)
	}
	lots, err := l.Store.ListLots(ctx, LotFilter{})
	if err != nil {
		return nil, storeErr("list lots", err)
	}
	totals := SummarizeByCustomer(lots, l.now())

	out := make([]CustomerBalance, len(customers))
	for i, c := range customers {
		out[i] = CustomerBalance{Customer: c, BalanceSummary: totals[c.ID]}
	}
	return out, nil
}

// GetCustomerBalance returns one customer with its totals.
func (l *Ledger) GetCustomerBalance(ctx context.Context, id CustomerID) (*CustomerBalance, error) {
	c, err := l.loadCustomer(ctx, l.Store, id)
	if err != nil {
		return nil, err
	}
	totals, err := l.GetBalanceSummary(ctx, &id)
	if err != nil {
		return nil, err
	}
	return &CustomerBalance{Customer: *c, BalanceSummary: totals}, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// BalanceCorrection reports a cached balance before and after reconciling.
type BalanceCorrection struct {
	CustomerID CustomerID
	Previous   int64
	Current    int64
}

// ReconcileBalance resets the cached balance to Σ PointsRemaining over the
// customer's active lots. Lots whose expiry has passed are swept first.
func (l *Ledger) ReconcileBalance(ctx context.Context, id CustomerID) (BalanceCorrection, error) {
	if id == "" {
		return BalanceCorrection{}, invalidInput("customer_id", "is required")
	}
	unlock := l.locks.Lock(id)
	defer unlock()

	now := l.now()
	out := BalanceCorrection{CustomerID: id}
	err := l.Store.WithTx(ctx, func(s Store) error {
		// Persist pending expirations first so the sweep never subtracts
		// the same points again after the correction.
		if _, _, err := l.expireCustomerLots(ctx, s, id, now); err != nil {
			return err
		}
		c, err := l.loadCustomer(ctx, s, id)
		if err != nil {
			return err
		}
		lots, err := s.ListLots(ctx, ActiveLots(id, now))
		if err != nil {
			return storeErr("list lots", err)
		}
		var actual int64
		for _, lot := range lots {
			actual += lot.PointsRemaining
		}
		out.Previous, out.Current = c.CachedBalance, actual
		if delta := actual - c.CachedBalance; delta != 0 {
			if err := s.AdjustCachedBalance(ctx, id, delta); err != nil {
				return storeErr("adjust cached balance", err)
			}
		}
		return nil
	})
	if err != nil {
		return BalanceCorrection{}, err
	}
	if out.Previous != out.Current {
		l.Log.Info("cached balance corrected",
			zap.String("customer_id", string(id)),
			zap.Int64("previous", out.Previous),
			zap.Int64("current", out.Current),
		)
	}
	return out, nil
}
