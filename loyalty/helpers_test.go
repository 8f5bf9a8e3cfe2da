package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-loyalty/loyalty"
	"github.com/warp/fuel-loyalty/loyalty/store"
	"go.uber.org/zap"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testNIC = "200012345678"

// testClock is a settable ledger clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func newTestLedger(t *testing.T) (*loyalty.Ledger, *store.Memory, *testClock) {
	t.Helper()
	mem := store.NewMemory()
	l, clk := newLedgerOn(t, mem, loyalty.DefaultProgram(), nil)
	return l, mem, clk
}

// newLedgerOn builds a ledger over s. A nil ids uses a real generator.
func newLedgerOn(t *testing.T, s loyalty.TxStore, program loyalty.Program, ids loyalty.IDSource) (*loyalty.Ledger, *testClock) {
	t.Helper()
	if ids == nil {
		gen, err := loyalty.NewIDGenerator(1, program)
		require.NoError(t, err)
		ids = gen
	}
	l, err := loyalty.NewLedger(s, program, ids, zap.NewNop())
	require.NoError(t, err)

	clk := &testClock{t: date(2025, time.March, 2)}
	l.Now = clk.Now
	return l, clk
}

func addCustomer(t *testing.T, l *loyalty.Ledger, name string) loyalty.CustomerID {
	t.Helper()
	c, err := l.CreateCustomer(context.Background(), loyalty.CustomerInput{Name: name, NIC: testNIC})
	require.NoError(t, err)
	return c.ID
}

func accrue(t *testing.T, l *loyalty.Ledger, id loyalty.CustomerID, amount string) (*loyalty.Purchase, *loyalty.Lot) {
	t.Helper()
	p, lot, err := l.Accrue(context.Background(), id, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return p, lot
}

func cachedBalance(t *testing.T, l *loyalty.Ledger, id loyalty.CustomerID) int64 {
	t.Helper()
	c, err := l.GetCustomer(context.Background(), id)
	require.NoError(t, err)
	return c.CachedBalance
}

// activeSum is Σ PointsRemaining over the customer's active lots.
func activeSum(t *testing.T, l *loyalty.Ledger, id loyalty.CustomerID) int64 {
	t.Helper()
	lots, err := l.ListActiveLots(context.Background(), id)
	require.NoError(t, err)
	var sum int64
	for _, lot := range lots {
		sum += lot.PointsRemaining
	}
	return sum
}

func lotByID(t *testing.T, l *loyalty.Ledger, id loyalty.LotID) *loyalty.Lot {
	t.Helper()
	lots, err := l.ListLots(context.Background(), loyalty.LotFilter{})
	require.NoError(t, err)
	for _, lot := range lots {
		if lot.ID == id {
			return &lot
		}
	}
	return nil
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps the memory store so writes made inside WithTx can be
// made to fail.
type faultyStore struct {
	*store.Memory
	faults faults
}

type faults struct {
	insertRedemption error
	updateLot        error
	insertLot        error

	mu          sync.Mutex
	updateCalls int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	return f.Memory.WithTx(ctx, func(s loyalty.Store) error {
		return fn(&faultyView{Store: s, f: &f.faults})
	})
}

type faultyView struct {
	loyalty.Store
	f *faults
}

func (v *faultyView) InsertRedemption(ctx context.Context, r loyalty.Redemption) error {
	if v.f.insertRedemption != nil {
		return v.f.insertRedemption
	}
	return v.Store.InsertRedemption(ctx, r)
}

func (v *faultyView) UpdateLot(ctx context.Context, lot loyalty.Lot) error {
	v.f.mu.Lock()
	v.f.updateCalls++
	v.f.mu.Unlock()
	if v.f.updateLot != nil {
		return v.f.updateLot
	}
	return v.Store.UpdateLot(ctx, lot)
}

func (v *faultyView) InsertLot(ctx context.Context, lot loyalty.Lot) error {
	if v.f.insertLot != nil {
		return v.f.insertLot
	}
	return v.Store.InsertLot(ctx, lot)
}

// scriptedIDs hands out purchase tokens from a fixed list. The last token
// repeats once the list is exhausted.
type scriptedIDs struct {
	*loyalty.IDGenerator

	mu     sync.Mutex
	tokens []loyalty.PurchaseID
	drawn  int
}

func newScriptedIDs(t *testing.T, tokens ...loyalty.PurchaseID) *scriptedIDs {
	t.Helper()
	gen, err := loyalty.NewIDGenerator(2, loyalty.DefaultProgram())
	require.NoError(t, err)
	return &scriptedIDs{IDGenerator: gen, tokens: tokens}
}

func (s *scriptedIDs) PurchaseToken() (loyalty.PurchaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drawn++
	tok := s.tokens[len(s.tokens)-1]
	if len(s.tokens) > 1 {
		tok, s.tokens = s.tokens[0], s.tokens[1:]
	}
	return tok, nil
}
