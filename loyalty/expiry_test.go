package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-loyalty/loyalty"
)

// =============================================================================
// EXPIRY SWEEP TESTS
// =============================================================================

func TestExpireLots_ForfeitsRemainder(t *testing.T) {
	// GIVEN: Two customers with lots past expiry, one partly redeemed
	// WHEN: The sweep runs
	// THEN: Lots become expired, cached balances drop by the forfeited remainder,
	//       and PointsRemaining is kept for reporting

	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	a := addCustomer(t, l, "Kusal")
	b := addCustomer(t, l, "Dinesh")

	_, la := accrue(t, l, a, "100")
	accrue(t, l, b, "60")
	_, err := l.RedeemPoints(ctx, a, 25)
	require.NoError(t, err)

	clk.Advance(100 * 24 * time.Hour)
	_, fresh := accrue(t, l, a, "5")

	clk.Set(la.ExpiresAt)
	report, err := l.ExpireLots(ctx)
	require.NoError(t, err)

	assert.Equal(t, loyalty.ExpiryReport{LotsExpired: 2, PointsForfeited: 135, Customers: 2}, report)
	assert.Equal(t, int64(5), cachedBalance(t, l, a))
	assert.Equal(t, int64(0), cachedBalance(t, l, b))

	swept := lotByID(t, l, la.ID)
	assert.Equal(t, loyalty.LotExpired, swept.Status)
	assert.Equal(t, int64(75), swept.PointsRemaining)
	assert.Equal(t, loyalty.LotActive, lotByID(t, l, fresh.ID).Status)
}

func TestExpireLots_SecondRunIsNoop(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Suranga")
	accrue(t, l, id, "40")
	clk.Advance(366 * 24 * time.Hour)

	first, err := l.ExpireLots(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.LotsExpired)

	second, err := l.ExpireLots(ctx)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ExpiryReport{}, second)
	assert.Equal(t, int64(0), cachedBalance(t, l, id))
}

func TestExpireLots_SkipsDepletedLots(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Ajantha")
	_, lot := accrue(t, l, id, "10")
	_, err := l.RedeemPoints(ctx, id, 10)
	require.NoError(t, err)
	clk.Advance(366 * 24 * time.Hour)

	report, err := l.ExpireLots(ctx)
	require.NoError(t, err)

	assert.Zero(t, report.LotsExpired)
	assert.Equal(t, loyalty.LotDepleted, lotByID(t, l, lot.ID).Status)
}

func TestExpireLots_ExpiredPointsNotRedeemable(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Thisara")
	accrue(t, l, id, "50")
	clk.Advance(366 * 24 * time.Hour)

	_, err := l.ExpireLots(ctx)
	require.NoError(t, err)

	_, err = l.RedeemPoints(ctx, id, 1)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)

	summary, err := l.GetBalanceSummary(ctx, &id)
	require.NoError(t, err)
	assert.Equal(t, loyalty.BalanceSummary{Available: 0, Expired: 50}, summary)
}

func TestExpireLots_CancelledContext(t *testing.T) {
	l, _, clk := newTestLedger(t)
	id := addCustomer(t, l, "Lahiru")
	accrue(t, l, id, "50")
	clk.Advance(366 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.ExpireLots(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(50), cachedBalance(t, l, id))
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestReconcileBalance_CorrectsDrift(t *testing.T) {
	// GIVEN: A cached balance that drifted from the lots
	// WHEN: Reconciling
	// THEN: The cached balance equals the active lot sum again

	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Nipun")
	accrue(t, l, id, "30")
	require.NoError(t, mem.AdjustCachedBalance(ctx, id, 7))

	fix, err := l.ReconcileBalance(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, loyalty.BalanceCorrection{CustomerID: id, Previous: 37, Current: 30}, fix)
	assert.Equal(t, int64(30), cachedBalance(t, l, id))

	again, err := l.ReconcileBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, again.Previous, again.Current)
}

func TestReconcileBalance_SweepsBeforeCorrecting(t *testing.T) {
	// GIVEN: An expired but unswept lot
	// WHEN: Reconciling, then running the sweep
	// THEN: The balance is zeroed once and the sweep finds nothing left

	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Oshada")
	accrue(t, l, id, "30")
	clk.Advance(366 * 24 * time.Hour)

	fix, err := l.ReconcileBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fix.Previous)
	assert.Equal(t, int64(0), fix.Current)

	report, err := l.ExpireLots(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.LotsExpired)
	assert.Equal(t, int64(0), cachedBalance(t, l, id))
}

func TestReconcileBalance_UnknownCustomer(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.ReconcileBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)

	_, err = l.ReconcileBalance(context.Background(), "")
	assert.ErrorIs(t, err, loyalty.ErrValidation)
}
