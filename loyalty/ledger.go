/*
ledger.go - The loyalty ledger service

PURPOSE:
  Ledger is the single entry point callers (the HTTP layer, the expiry
  scheduler, tests) use to read and mutate loyalty state. It owns the
  rules (Program), the id source and the per-customer critical sections;
  the store owns durability.

EXTERNAL OPERATIONS:
  CreateTransaction(customerID, amount)  -> TransactionReceipt
  DeleteTransaction(transactionID)       -> error
  RedeemPoints(customerID, amount)       -> Redemption
  ListActiveLots(customerID)             -> []Lot, earliest expiry first
  GetBalanceSummary(customerID | nil)    -> BalanceSummary

ATOMICITY:
  Every mutation runs inside one TxStore.WithTx. An error anywhere inside
  aborts the whole unit; nothing is partially applied.

CONCURRENCY:
  Mutations for one customer are serialized through a KeyedMutex.
  Different customers never contend. Reads take no ledger locks.

SEE ALSO:
  - accrual.go, redemption.go, reversal.go, expiry.go: Mutations
  - balance.go: Projections
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

// IDSource produces identifiers for new records. *IDGenerator is the
// production implementation.
type IDSource interface {
	LotID() LotID
	CustomerID() CustomerID
	RedemptionID() RedemptionID
	PurchaseToken() (PurchaseID, error)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store   TxStore
	Program Program
	IDs     IDSource
	Log     *zap.Logger

	// Now is the ledger clock. Defaults to time.Now; tests pin it.
	Now func() time.Time

	locks *KeyedMutex
}

// NewLedger creates a ledger over store. A nil logger is replaced by a no-op.
func NewLedger(store TxStore, program Program, ids IDSource, log *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if ids == nil {
		return nil, errors.New("ledger: id source is required")
	}
	if err := program.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		Store:   store,
		Program: program,
		IDs:     ids,
		Log:     log,
		Now:     time.Now,
		locks:   NewKeyedMutex(),
	}, nil
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

// =============================================================================
// EXTERNAL INTERFACE
// =============================================================================

// CreateTransaction records a purchase and grants its points.
func (l *Ledger) CreateTransaction(ctx context.Context, customerID CustomerID, amount decimal.Decimal) (TransactionReceipt, error) {
	p, _, err := l.Accrue(ctx, customerID, amount)
	if err != nil {
		return TransactionReceipt{}, err
	}
	return TransactionReceipt{ID: p.ID, PointsEarned: p.PointsEarned}, nil
}

// DeleteTransaction voids a purchase and its lot.
func (l *Ledger) DeleteTransaction(ctx context.Context, id PurchaseID) error {
	return l.VoidPurchase(ctx, id)
}

// RedeemPoints spends amount points, earliest-expiring lots first.
func (l *Ledger) RedeemPoints(ctx context.Context, customerID CustomerID, amount int64) (*Redemption, error) {
	return l.Redeem(ctx, customerID, amount)
}

// ListActiveLots returns the customer's redeemable lots, earliest expiry
// first with ties broken by lot id.
func (l *Ledger) ListActiveLots(ctx context.Context, customerID CustomerID) ([]Lot, error) {
	if err := l.requireCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	lots, err := l.Store.ListLots(ctx, ActiveLots(customerID, l.now()))
	if err != nil {
		return nil, storeErr("list lots", err)
	}
	sortByExpiry(lots)
	return lots, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error) {
	p, err := l.Store.GetPurchase(ctx, id)
	if err != nil {
		return nil, storeErr("get purchase", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseNotFound, id)
	}
	return p, nil
}

// ListPurchases returns purchases matching filter. Filtering by an unknown
// customer is a not-found error rather than an empty list.
func (l *Ledger) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error) {
	if filter.CustomerID != nil {
		if err := l.requireCustomer(ctx, *filter.CustomerID); err != nil {
			return nil, err
		}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalidInput("to", "must not be before from")
	}
	purchases, err := l.Store.ListPurchases(ctx, filter)
	if err != nil {
		return nil, storeErr("list purchases", err)
	}
	return purchases, nil
}

func (l *Ledger) ListRedemptions(ctx context.Context, customerID CustomerID) ([]Redemption, error) {
	if err := l.requireCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	rs, err := l.Store.ListRedemptions(ctx, customerID)
	if err != nil {
		return nil, storeErr("list redemptions", err)
	}
	return rs, nil
}

// ListLots returns every lot matching filter, earliest expiry first.
func (l *Ledger) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	lots, err := l.Store.ListLots(ctx, filter)
	if err != nil {
		return nil, storeErr("list lots", err)
	}
	sortByExpiry(lots)
	return lots, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) requireCustomer(ctx context.Context, id CustomerID) error {
	_, err := l.loadCustomer(ctx, l.Store, id)
	return err
}

func (l *Ledger) loadCustomer(ctx context.Context, s Store, id CustomerID) (*Customer, error) {
	if id == "" {
		return nil, invalidInput("customer_id", "is required")
	}
	c, err := s.GetCustomer(ctx, id)
	if err != nil {
		return nil, storeErr("get customer", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return c, nil
}

// retryConflicts reruns fn while it fails an optimistic version check,
// up to Program.MaxConflictRetries extra attempts.
func (l *Ledger) retryConflicts(op string, customerID CustomerID, fn func() error) error {
	attempts := l.Program.MaxConflictRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		l.Log.Warn("lot version conflict, retrying",
			zap.String("op", op),
			zap.String("customer_id", string(customerID)),
			zap.Int("attempt", attempt),
		)
	}
	return &ConflictError{Op: op, Attempts: attempts, Err: err}
}
