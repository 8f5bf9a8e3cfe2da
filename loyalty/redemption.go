/*
redemption.go - Earliest-expiring-first point redemption

PURPOSE:
  Spends points across a customer's active lots. Lots that would expire
  soonest are consumed first, so points that would otherwise be lost to
  expiration are used before longer-lived ones.

ALGORITHM:
  1. Load active lots ordered by (ExpiresAt, ID)
  2. If Σ PointsRemaining < amount: InsufficientBalanceError, no writes
  3. Walk the lots, deducting min(remaining, left) from each. A lot that
     reaches zero is marked depleted; its ExpiresAt is left untouched.
  4. Append the Redemption record, CachedBalance -= amount
  5. Commit lot updates, redemption and balance together

  Each lot update is version checked. If another writer touched a lot
  between the read in (1) and the write in (5), the transaction rolls
  back and the whole redemption is retried from (1).

EXAMPLE:
  L1: 100 pts, expires in 1 day
  L2:  50 pts, expires in 30 days

  Redeem(120) -> L1: 0 (depleted), L2: 30
*/
package loyalty

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Allocation records how many points one lot contributed to a redemption.
type Allocation struct {
	LotID  LotID
	Points int64
}

// AllocationPlan is the result of Allocate: the mutated lots to persist and
// the per-lot breakdown.
type AllocationPlan struct {
	Lots        []Lot
	Allocations []Allocation
}

// Allocate plans the depletion of amount points from lots at now. Lots that
// are not active at now are ignored. The input slice is not modified.
func Allocate(lots []Lot, amount int64, now time.Time) (AllocationPlan, error) {
	if amount <= 0 {
		return AllocationPlan{}, invalidInput("amount", "must be greater than zero")
	}

	active := make([]Lot, 0, len(lots))
	var available int64
	for _, lot := range lots {
		if lot.IsActive(now) {
			active = append(active, lot)
			available += lot.PointsRemaining
		}
	}
	if available < amount {
		return AllocationPlan{}, &InsufficientBalanceError{
			Available: available,
			Requested: amount,
			Shortfall: amount - available,
		}
	}
	sortByExpiry(active)

	var plan AllocationPlan
	left := amount
	for _, lot := range active {
		if left == 0 {
			break
		}
		take := min(lot.PointsRemaining, left)
		lot.PointsRemaining -= take
		left -= take
		if lot.PointsRemaining == 0 {
			at := now
			lot.Status = LotDepleted
			lot.DepletedAt = &at
		}
		plan.Lots = append(plan.Lots, lot)
		plan.Allocations = append(plan.Allocations, Allocation{LotID: lot.ID, Points: take})
	}
	return plan, nil
}

// Redeem spends amount points for the customer.
func (l *Ledger) Redeem(ctx context.Context, customerID CustomerID, amount int64) (*Redemption, error) {
	if customerID == "" {
		return nil, invalidInput("customer_id", "is required")
	}
	if amount <= 0 {
		return nil, invalidInput("amount", "must be greater than zero")
	}

	unlock := l.locks.Lock(customerID)
	defer unlock()

	var (
		redemption Redemption
		plan       AllocationPlan
	)
	err := l.retryConflicts("redeem", customerID, func() error {
		var err error
		redemption, plan, err = l.redeemOnce(ctx, customerID, amount)
		return err
	})
	if err != nil {
		l.Log.Warn("redemption aborted",
			zap.String("customer_id", string(customerID)),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
		return nil, err
	}

	l.Log.Info("points redeemed",
		zap.String("customer_id", string(customerID)),
		zap.String("redemption_id", string(redemption.ID)),
		zap.Int64("amount", amount),
		zap.Int("lots_touched", len(plan.Allocations)),
	)
	return &redemption, nil
}

func (l *Ledger) redeemOnce(ctx context.Context, customerID CustomerID, amount int64) (Redemption, AllocationPlan, error) {
	now := l.now()
	var (
		redemption Redemption
		plan       AllocationPlan
	)
	err := l.Store.WithTx(ctx, func(s Store) error {
		if _, err := l.loadCustomer(ctx, s, customerID); err != nil {
			return err
		}

		lots, err := s.ListLots(ctx, ActiveLots(customerID, now))
		if err != nil {
			return storeErr("list lots", err)
		}

		plan, err = Allocate(lots, amount, now)
		if err != nil {
			var short *InsufficientBalanceError
			if errors.As(err, &short) {
				short.CustomerID = customerID
			}
			return err
		}

		for _, lot := range plan.Lots {
			if err := s.UpdateLot(ctx, lot); err != nil {
				return storeErr("update lot", err)
			}
		}

		redemption = Redemption{
			ID:         l.IDs.RedemptionID(),
			CustomerID: customerID,
			Amount:     amount,
			Timestamp:  now,
		}
		if err := s.InsertRedemption(ctx, redemption); err != nil {
			return storeErr("insert redemption", err)
		}
		if err := s.AdjustCachedBalance(ctx, customerID, -amount); err != nil {
			return storeErr("adjust cached balance", err)
		}
		return nil
	})
	return redemption, plan, err
}

// sortByExpiry orders lots by ExpiresAt ascending, then ID ascending.
func sortByExpiry(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		return lots[i].ID < lots[j].ID
	})
}
