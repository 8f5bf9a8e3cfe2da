/*
reversal.go - Voiding a purchase

PURPOSE:
  Undoes accrual when the originating purchase is voided: the purchase and
  every lot granted from it are deleted together, and the customer's
  cached balance is reduced accordingly.

BALANCE ADJUSTMENT:
  The cached balance is reduced by what the lot still contributes to it,
  not by what it originally granted:

    lot state at void        cached balance change
    -----------------        ---------------------
    active, untouched        -PointsGranted
    active, partly spent     -PointsRemaining
    depleted                 0
    expired (swept)          0

  Points already redeemed from a voided lot stay redeemed; the
  Redemption record is never rewritten. This keeps CachedBalance equal
  to Σ PointsRemaining over active lots after any sequence of writes.

FAILURE MODES:
  ErrPurchaseNotFound:  no such purchase
  ErrInconsistentState: the purchase's customer no longer resolves
*/
package loyalty

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VoidPurchase deletes the purchase and its lots and reverses their
// contribution to the customer's cached balance.
func (l *Ledger) VoidPurchase(ctx context.Context, id PurchaseID) error {
	if id == "" {
		return invalidInput("transaction_id", "is required")
	}

	// Resolve the owner first so the critical section is keyed correctly.
	p, err := l.GetPurchase(ctx, id)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(p.CustomerID)
	defer unlock()

	var (
		reversed int64
		removed  int
	)
	err = l.Store.WithTx(ctx, func(s Store) error {
		p, err := s.GetPurchase(ctx, id)
		if err != nil {
			return storeErr("get purchase", err)
		}
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPurchaseNotFound, id)
		}

		c, err := s.GetCustomer(ctx, p.CustomerID)
		if err != nil {
			return storeErr("get customer", err)
		}
		if c == nil {
			return fmt.Errorf("%w: purchase %s references missing customer %s",
				ErrInconsistentState, id, p.CustomerID)
		}

		lots, err := s.LotsByPurchase(ctx, id)
		if err != nil {
			return storeErr("lots by purchase", err)
		}
		for _, lot := range lots {
			reversed += lot.cachedContribution()
			if err := s.DeleteLot(ctx, lot.ID); err != nil {
				return storeErr("delete lot", err)
			}
			removed++
		}

		if err := s.DeletePurchase(ctx, id); err != nil {
			return storeErr("delete purchase", err)
		}
		if reversed != 0 {
			if err := s.AdjustCachedBalance(ctx, c.ID, -reversed); err != nil {
				return storeErr("adjust cached balance", err)
			}
		}
		return nil
	})
	if err != nil {
		l.Log.Warn("void aborted",
			zap.String("purchase_id", string(id)),
			zap.Error(err),
		)
		return err
	}

	l.Log.Info("purchase voided",
		zap.String("purchase_id", string(id)),
		zap.String("customer_id", string(p.CustomerID)),
		zap.Int("lots_removed", removed),
		zap.Int64("points_reversed", reversed),
	)
	return nil
}
