package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-loyalty/loyalty"
	"go.uber.org/zap"
)

var base = time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertCustomer(t *testing.T, s *Store, id loyalty.CustomerID, name string) {
	t.Helper()
	require.NoError(t, s.InsertCustomer(context.Background(), loyalty.Customer{
		ID:        id,
		Name:      name,
		NIC:       "200012345678",
		CreatedAt: base,
	}))
}

func insertPurchase(t *testing.T, s *Store, id loyalty.PurchaseID, customer loyalty.CustomerID, at time.Time) {
	t.Helper()
	require.NoError(t, s.InsertPurchase(context.Background(), loyalty.Purchase{
		ID:           id,
		CustomerID:   customer,
		Amount:       decimal.RequireFromString("12.34"),
		PointsEarned: 12,
		Timestamp:    at,
	}))
}

func lotFor(id loyalty.LotID, customer loyalty.CustomerID, purchase *loyalty.PurchaseID, points int64, expires time.Time) loyalty.Lot {
	return loyalty.Lot{
		ID:              id,
		CustomerID:      customer,
		PurchaseID:      purchase,
		PointsGranted:   points,
		PointsRemaining: points,
		GrantedAt:       base,
		ExpiresAt:       expires,
		Status:          loyalty.LotActive,
	}
}

// =============================================================================
// RECORD TESTS
// =============================================================================

func TestStore_CustomerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")

	c, err := s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Asha", c.Name)
	assert.True(t, base.Equal(c.CreatedAt))

	missing, err := s.GetCustomer(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.InsertCustomer(ctx, loyalty.Customer{ID: "c1", Name: "x", NIC: "x", CreatedAt: base})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateID)

	require.NoError(t, s.AdjustCachedBalance(ctx, "c1", 15))
	require.NoError(t, s.UpdateCustomer(ctx, loyalty.Customer{ID: "c1", Name: "Asha K", NIC: "200012345678", CachedBalance: 999}))
	c, err = s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Asha K", c.Name)
	assert.Equal(t, int64(15), c.CachedBalance)

	assert.ErrorIs(t, s.UpdateCustomer(ctx, loyalty.Customer{ID: "nobody"}), loyalty.ErrCustomerNotFound)
	assert.ErrorIs(t, s.AdjustCachedBalance(ctx, "nobody", 1), loyalty.ErrCustomerNotFound)
}

func TestStore_ListCustomersFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c3", "Chamari")
	insertCustomer(t, s, "c1", "Amal")
	insertCustomer(t, s, "c2", "Kamal_P")

	all, err := s.ListCustomers(ctx, loyalty.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Amal", all[0].Name)

	mal, err := s.ListCustomers(ctx, loyalty.CustomerFilter{NameContains: "MAL"})
	require.NoError(t, err)
	assert.Len(t, mal, 2)

	// Underscore is literal, not a LIKE wildcard.
	under, err := s.ListCustomers(ctx, loyalty.CustomerFilter{NameContains: "l_"})
	require.NoError(t, err)
	require.Len(t, under, 1)
	assert.Equal(t, loyalty.CustomerID("c2"), under[0].ID)

	n, err := s.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_PurchaseForeignKeyAndDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	insertPurchase(t, s, "RL100000", "c1", base)

	err := s.InsertPurchase(ctx, loyalty.Purchase{ID: "RL100000", CustomerID: "c1", Amount: decimal.NewFromInt(1), Timestamp: base})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateID)

	err = s.InsertPurchase(ctx, loyalty.Purchase{ID: "RL100001", CustomerID: "ghost", Amount: decimal.NewFromInt(1), Timestamp: base})
	assert.ErrorIs(t, err, loyalty.ErrInconsistentState)

	p, err := s.GetPurchase(ctx, "RL100000")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, decimal.RequireFromString("12.34").Equal(p.Amount))
	assert.Equal(t, int64(12), p.PointsEarned)
}

func TestStore_ListPurchasesRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	insertCustomer(t, s, "c2", "Bimal")
	insertPurchase(t, s, "RL100003", "c1", base)
	insertPurchase(t, s, "RL100001", "c1", base.Add(time.Hour))
	insertPurchase(t, s, "RL100002", "c1", base.Add(2*time.Hour))
	insertPurchase(t, s, "RL100004", "c2", base.Add(time.Hour))

	c1 := loyalty.CustomerID("c1")
	from := base.Add(time.Hour)
	to := base.Add(2 * time.Hour)
	got, err := s.ListPurchases(ctx, loyalty.PurchaseFilter{CustomerID: &c1, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, loyalty.PurchaseID("RL100001"), got[0].ID)
	assert.Equal(t, loyalty.PurchaseID("RL100002"), got[1].ID)
}

func TestStore_UpdateLotVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	require.NoError(t, s.InsertLot(ctx, lotFor(1, "c1", nil, 10, base.AddDate(1, 0, 0))))

	lots, err := s.ListLots(ctx, loyalty.LotFilter{})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	lot := lots[0]
	assert.Equal(t, int64(1), lot.Version)
	assert.Nil(t, lot.PurchaseID)

	stale := lot
	at := base.Add(time.Minute)
	lot.PointsRemaining = 0
	lot.Status = loyalty.LotDepleted
	lot.DepletedAt = &at
	require.NoError(t, s.UpdateLot(ctx, lot))

	stale.PointsRemaining = 5
	assert.ErrorIs(t, s.UpdateLot(ctx, stale), loyalty.ErrConcurrentModification)
	assert.ErrorIs(t, s.UpdateLot(ctx, lotFor(42, "c1", nil, 1, base)), loyalty.ErrNotFound)

	lots, err = s.ListLots(ctx, loyalty.LotFilter{})
	require.NoError(t, err)
	got := lots[0]
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, loyalty.LotDepleted, got.Status)
	require.NotNil(t, got.DepletedAt)
	assert.True(t, at.Equal(*got.DepletedAt))
}

func TestStore_LotConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")

	over := lotFor(1, "c1", nil, 10, base)
	over.PointsRemaining = 11
	assert.Error(t, s.InsertLot(ctx, over))

	require.NoError(t, s.InsertLot(ctx, lotFor(2, "c1", nil, 10, base)))
	assert.ErrorIs(t, s.InsertLot(ctx, lotFor(2, "c1", nil, 10, base)), loyalty.ErrDuplicateID)
	assert.ErrorIs(t, s.InsertLot(ctx, lotFor(3, "ghost", nil, 10, base)), loyalty.ErrInconsistentState)
}

func TestStore_ListLotsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	insertCustomer(t, s, "c2", "Bimal")
	soon := base.AddDate(0, 1, 0)
	later := base.AddDate(0, 6, 0)

	empty := lotFor(4, "c1", nil, 0, soon)
	empty.Status = loyalty.LotDepleted
	for _, l := range []loyalty.Lot{
		lotFor(3, "c1", nil, 10, later),
		lotFor(2, "c1", nil, 10, soon),
		lotFor(1, "c1", nil, 10, soon),
		lotFor(5, "c2", nil, 10, soon),
		empty,
	} {
		require.NoError(t, s.InsertLot(ctx, l))
	}

	active, err := s.ListLots(ctx, loyalty.ActiveLots("c1", base))
	require.NoError(t, err)
	var ids []loyalty.LotID
	for _, l := range active {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []loyalty.LotID{1, 2, 3}, ids)

	due, err := s.ListLots(ctx, loyalty.LotFilter{Status: loyalty.LotActive, ExpiresBy: &soon})
	require.NoError(t, err)
	assert.Len(t, due, 3)

	none, err := s.ListLots(ctx, loyalty.ActiveLots("c1", later))
	require.NoError(t, err)
	assert.Empty(t, none, "a lot expiring exactly at now is not active")
}

func TestStore_PointTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	insertCustomer(t, s, "c2", "Bimal")
	now := base.AddDate(0, 2, 0)

	require.NoError(t, s.InsertLot(ctx, lotFor(1, "c1", nil, 10, now.Add(-time.Nanosecond))))
	require.NoError(t, s.InsertLot(ctx, lotFor(2, "c1", nil, 20, now)))
	require.NoError(t, s.InsertLot(ctx, lotFor(3, "c2", nil, 40, now.Add(time.Hour))))

	c1 := loyalty.CustomerID("c1")
	one, err := s.PointTotals(ctx, &c1, now)
	require.NoError(t, err)
	assert.Equal(t, loyalty.PointTotals{Available: 20, Expired: 10}, one)

	all, err := s.PointTotals(ctx, nil, now)
	require.NoError(t, err)
	assert.Equal(t, loyalty.PointTotals{Available: 60, Expired: 10}, all)

	ghost := loyalty.CustomerID("ghost")
	zero, err := s.PointTotals(ctx, &ghost, now)
	require.NoError(t, err)
	assert.Equal(t, loyalty.PointTotals{}, zero)
}

func TestStore_DeleteCustomerCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	pid := loyalty.PurchaseID("RL100000")
	insertPurchase(t, s, pid, "c1", base)
	require.NoError(t, s.InsertLot(ctx, lotFor(1, "c1", &pid, 12, base.AddDate(1, 0, 0))))
	require.NoError(t, s.InsertRedemption(ctx, loyalty.Redemption{ID: "r1", CustomerID: "c1", Amount: 2, Timestamp: base}))

	require.NoError(t, s.DeleteCustomer(ctx, "c1"))

	p, err := s.GetPurchase(ctx, pid)
	require.NoError(t, err)
	assert.Nil(t, p)
	lots, err := s.ListLots(ctx, loyalty.LotFilter{})
	require.NoError(t, err)
	assert.Empty(t, lots)
	rs, err := s.ListRedemptions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, rs)

	assert.ErrorIs(t, s.DeleteCustomer(ctx, "c1"), loyalty.ErrCustomerNotFound)
}

func TestStore_DeletePurchaseCascadesToLots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")
	pid := loyalty.PurchaseID("RL100000")
	insertPurchase(t, s, pid, "c1", base)
	require.NoError(t, s.InsertLot(ctx, lotFor(1, "c1", &pid, 12, base.AddDate(1, 0, 0))))

	lots, err := s.LotsByPurchase(ctx, pid)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, pid, *lots[0].PurchaseID)

	require.NoError(t, s.DeletePurchase(ctx, pid))
	lots, err = s.LotsByPurchase(ctx, pid)
	require.NoError(t, err)
	assert.Empty(t, lots)

	assert.ErrorIs(t, s.DeletePurchase(ctx, pid), loyalty.ErrPurchaseNotFound)
	assert.ErrorIs(t, s.DeleteLot(ctx, 1), loyalty.ErrNotFound)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx loyalty.Store) error {
		if err := tx.AdjustCachedBalance(ctx, "c1", 50); err != nil {
			return err
		}
		if err := tx.InsertLot(ctx, lotFor(1, "c1", nil, 50, base.AddDate(1, 0, 0))); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		c, err := tx.GetCustomer(ctx, "c1")
		if err != nil {
			return err
		}
		if c.CachedBalance != 50 {
			return errors.New("write not visible inside transaction")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.CachedBalance)
	lots, err := s.ListLots(ctx, loyalty.LotFilter{})
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestStore_WithTxCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertCustomer(t, s, "c1", "Asha")

	require.NoError(t, s.WithTx(ctx, func(tx loyalty.Store) error {
		if err := tx.AdjustCachedBalance(ctx, "c1", 7); err != nil {
			return err
		}
		return tx.InsertRedemption(ctx, loyalty.Redemption{ID: "r1", CustomerID: "c1", Amount: 3, Timestamp: base})
	}))

	c, err := s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.CachedBalance)
	rs, err := s.ListRedemptions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, base.Equal(rs[0].Timestamp))
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestStore_Admins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, s.SaveAdmin(ctx, AdminRecord{Username: "admin", PasswordHash: "h1", CreatedAt: base}))
	require.NoError(t, s.SaveAdmin(ctx, AdminRecord{Username: "admin", PasswordHash: "h2", CreatedAt: base.Add(time.Hour)}))

	a, err = s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "h2", a.PasswordHash)
	assert.True(t, base.Equal(a.CreatedAt), "upsert keeps the original creation time")
}

// =============================================================================
// LEDGER OVER SQLITE
// =============================================================================

func newSQLiteLedger(t *testing.T, s *Store) (*loyalty.Ledger, *time.Time) {
	t.Helper()
	ids, err := loyalty.NewIDGenerator(1, loyalty.DefaultProgram())
	require.NoError(t, err)
	l, err := loyalty.NewLedger(s, loyalty.DefaultProgram(), ids, zap.NewNop())
	require.NoError(t, err)
	now := time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestLedger_OverSQLite(t *testing.T) {
	// GIVEN: A ledger persisting to SQLite
	// WHEN: Accruing, redeeming, expiring and voiding
	// THEN: Cached balance tracks the active lot sum at every step

	s := newTestStore(t)
	l, now := newSQLiteLedger(t, s)
	ctx := context.Background()

	c, err := l.CreateCustomer(ctx, loyalty.CustomerInput{Name: "Kumar", NIC: "200012345678"})
	require.NoError(t, err)

	first, err := l.CreateTransaction(ctx, c.ID, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	*now = now.AddDate(0, 0, 29)
	second, err := l.CreateTransaction(ctx, c.ID, decimal.RequireFromString("50.75"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), second.PointsEarned)

	*now = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	_, err = l.RedeemPoints(ctx, c.ID, 120)
	require.NoError(t, err)

	active, err := l.ListActiveLots(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(30), active[0].PointsRemaining)

	summary, err := l.GetBalanceSummary(ctx, &c.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.BalanceSummary{Available: 30}, summary)

	*now = now.AddDate(0, 2, 0)
	report, err := l.ExpireLots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LotsExpired)
	assert.Equal(t, int64(30), report.PointsForfeited)

	summary, err = l.GetBalanceSummary(ctx, &c.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.BalanceSummary{Available: 0, Expired: 30}, summary)

	require.NoError(t, l.DeleteTransaction(ctx, first.ID))
	require.NoError(t, l.DeleteTransaction(ctx, second.ID))

	got, err := l.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CachedBalance)

	rs, err := l.ListRedemptions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestLedger_ConcurrentRedeemOverSQLiteFile(t *testing.T) {
	// GIVEN: A file database shared by a connection pool
	// WHEN: Ten redemptions of 30 race against 100 points
	// THEN: Exactly three succeed

	s, err := New(filepath.Join(t.TempDir(), "loyalty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l, _ := newSQLiteLedger(t, s)
	ctx := context.Background()

	c, err := l.CreateCustomer(ctx, loyalty.CustomerInput{Name: "Mahela", NIC: "200012345678"})
	require.NoError(t, err)
	_, err = l.CreateTransaction(ctx, c.ID, decimal.NewFromInt(100))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RedeemPoints(ctx, c.ID, 30)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	got, err := l.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.CachedBalance)
}
