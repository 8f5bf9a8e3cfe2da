/*
accrual.go - Turning a purchase into a lot

PURPOSE:
  Records a purchase and grants its points as a new lot that stays
  redeemable for Program.ValidityMonths.

ALGORITHM:
  1. Validate amount > 0 and its points <= MaxPointsPerPurchase
     (no store access on failure)
  2. PointsEarned = floor(amount * PointsPerUnit), fixed forever
  3. Reserve a purchase token by inserting the purchase; on a
     duplicate-key rejection draw a new token (bounded retries)
  4. Insert the lot: PointsRemaining = PointsEarned,
     ExpiresAt = now + ValidityMonths
  5. CachedBalance += PointsEarned

  Steps 3-5 commit as one transaction.

EXAMPLE:
  purchase, lot, err := ledger.Accrue(ctx, "c-1", decimal.RequireFromString("250.00"))
  // purchase.PointsEarned == 250, lot.ExpiresAt == now + 12 months
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accrue records a purchase of amount for the customer and grants its points.
func (l *Ledger) Accrue(ctx context.Context, customerID CustomerID, amount decimal.Decimal) (*Purchase, *Lot, error) {
	if customerID == "" {
		return nil, nil, invalidInput("customer_id", "is required")
	}
	if !amount.IsPositive() {
		return nil, nil, invalidAmount("amount", "must be greater than zero")
	}
	points, ok := l.Program.PointsFor(amount)
	if !ok {
		return nil, nil, invalidAmount("amount", fmt.Sprintf("earns more than %d points", MaxPointsPerPurchase))
	}

	unlock := l.locks.Lock(customerID)
	defer unlock()

	now := l.now()

	var (
		purchase Purchase
		lot      Lot
	)
	err := l.Store.WithTx(ctx, func(s Store) error {
		if _, err := l.loadCustomer(ctx, s, customerID); err != nil {
			return err
		}

		purchase = Purchase{
			CustomerID:   customerID,
			Amount:       amount,
			PointsEarned: points,
			Timestamp:    now,
		}
		if err := l.reservePurchase(ctx, s, &purchase); err != nil {
			return err
		}

		lot = newLot(l.IDs.LotID(), purchase, now, l.Program.ExpiryFor(now))
		if err := s.InsertLot(ctx, lot); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				return &ConflictError{Op: "insert lot", Attempts: 1, Err: err}
			}
			return storeErr("insert lot", err)
		}

		if points != 0 {
			if err := s.AdjustCachedBalance(ctx, customerID, points); err != nil {
				return storeErr("adjust cached balance", err)
			}
		}
		return nil
	})
	if err != nil {
		l.Log.Warn("accrual aborted",
			zap.String("customer_id", string(customerID)),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return nil, nil, err
	}

	l.Log.Info("points accrued",
		zap.String("customer_id", string(customerID)),
		zap.String("purchase_id", string(purchase.ID)),
		zap.Int64("lot_id", int64(lot.ID)),
		zap.Int64("points", points),
	)
	return &purchase, &lot, nil
}

// newLot grants the purchase's points. A purchase too small to earn a point
// still gets its lot, born depleted.
func newLot(id LotID, p Purchase, grantedAt, expiresAt time.Time) Lot {
	pid := p.ID
	lot := Lot{
		ID:              id,
		CustomerID:      p.CustomerID,
		PurchaseID:      &pid,
		PointsGranted:   p.PointsEarned,
		PointsRemaining: p.PointsEarned,
		GrantedAt:       grantedAt,
		ExpiresAt:       expiresAt,
		Status:          LotActive,
		Version:         1,
	}
	if lot.PointsRemaining == 0 {
		lot.Status = LotDepleted
		lot.DepletedAt = &grantedAt
	}
	return lot
}

// reservePurchase inserts p under a fresh token, retrying on collisions.
// The store's primary key is the uniqueness guarantee; there is no
// check-then-insert window.
func (l *Ledger) reservePurchase(ctx context.Context, s Store, p *Purchase) error {
	var lastErr error
	for attempt := 1; attempt <= l.Program.MaxIDAttempts; attempt++ {
		id, err := l.IDs.PurchaseToken()
		if err != nil {
			return &PersistenceError{Op: "generate purchase token", Err: err}
		}
		p.ID = id

		err = s.InsertPurchase(ctx, *p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateID) {
			return storeErr("insert purchase", err)
		}
		lastErr = err
		l.Log.Debug("purchase token collision",
			zap.String("purchase_id", string(id)),
			zap.Int("attempt", attempt),
		)
	}
	return &ConflictError{Op: "reserve purchase token", Attempts: l.Program.MaxIDAttempts, Err: lastErr}
}
