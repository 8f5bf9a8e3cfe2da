/*
expiry.go - Persisting lot expirations

PURPOSE:
  A lot stops being redeemable the instant its ExpiresAt passes; reads
  already treat it that way. The sweep makes the transition durable:
  it flips the stored status to expired and removes the forfeited
  remainder from the owner's cached balance.

  PointsRemaining is left as it was so the expired side of the balance
  projector still reports what was lost.

ORDERING:
  Customers are swept one at a time, each under its own lock and
  transaction, so a sweep never blocks unrelated customers for long and
  a failure for one customer does not roll back the others.

SEE ALSO:
  - api/scheduler.go: Runs ExpireLots on an interval
*/
package loyalty

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ExpiryReport summarizes one sweep.
type ExpiryReport struct {
	LotsExpired     int
	PointsForfeited int64
	Customers       int
}

// ExpireLots persists the expiration of every active lot whose ExpiresAt
// is at or before now.
func (l *Ledger) ExpireLots(ctx context.Context) (ExpiryReport, error) {
	now := l.now()
	due, err := l.Store.ListLots(ctx, LotFilter{Status: LotActive, ExpiresBy: &now})
	if err != nil {
		return ExpiryReport{}, storeErr("list lots", err)
	}

	seen := make(map[CustomerID]struct{})
	var customers []CustomerID
	for _, lot := range due {
		if _, ok := seen[lot.CustomerID]; !ok {
			seen[lot.CustomerID] = struct{}{}
			customers = append(customers, lot.CustomerID)
		}
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i] < customers[j] })

	var report ExpiryReport
	for _, id := range customers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, forfeited, err := l.expireCustomer(ctx, id, now)
		if err != nil {
			l.Log.Error("expiry sweep failed",
				zap.String("customer_id", string(id)),
				zap.Error(err),
			)
			return report, err
		}
		if n > 0 {
			report.Customers++
			report.LotsExpired += n
			report.PointsForfeited += forfeited
		}
	}

	if report.LotsExpired > 0 {
		l.Log.Info("lots expired",
			zap.Int("lots", report.LotsExpired),
			zap.Int("customers", report.Customers),
			zap.Int64("points_forfeited", report.PointsForfeited),
		)
	}
	return report, nil
}

func (l *Ledger) expireCustomer(ctx context.Context, id CustomerID, now time.Time) (int, int64, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	var (
		n         int
		forfeited int64
	)
	err := l.retryConflicts("expire lots", id, func() error {
		return l.Store.WithTx(ctx, func(s Store) error {
			var err error
			n, forfeited, err = l.expireCustomerLots(ctx, s, id, now)
			return err
		})
	})
	return n, forfeited, err
}

// expireCustomerLots runs inside the caller's transaction and lock.
func (l *Ledger) expireCustomerLots(ctx context.Context, s Store, id CustomerID, now time.Time) (int, int64, error) {
	lots, err := s.ListLots(ctx, LotFilter{CustomerID: &id, Status: LotActive, ExpiresBy: &now})
	if err != nil {
		return 0, 0, storeErr("list lots", err)
	}

	var forfeited int64
	for _, lot := range lots {
		forfeited += lot.cachedContribution()
		lot.Status = LotExpired
		if err := s.UpdateLot(ctx, lot); err != nil {
			return 0, 0, storeErr("update lot", err)
		}
	}
	if forfeited != 0 {
		if err := s.AdjustCachedBalance(ctx, id, -forfeited); err != nil {
			return 0, 0, storeErr("adjust cached balance", err)
		}
	}
	return len(lots), forfeited, nil
}
