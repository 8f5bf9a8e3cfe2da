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
// PROJECTION TESTS
// =============================================================================

func TestSummarize_SplitsAtNow(t *testing.T) {
	// GIVEN: Lots expiring before, exactly at, and after now
	// WHEN: Summarizing at now
	// THEN: A lot whose expiry equals now counts as available

	now := date(2025, time.July, 1)
	lots := []loyalty.Lot{
		{ID: 1, PointsRemaining: 10, ExpiresAt: now.Add(-time.Second)},
		{ID: 2, PointsRemaining: 20, ExpiresAt: now},
		{ID: 3, PointsRemaining: 40, ExpiresAt: now.Add(time.Hour)},
		{ID: 4, PointsRemaining: 0, ExpiresAt: now.Add(time.Hour), Status: loyalty.LotDepleted},
	}

	s := loyalty.Summarize(lots, now)

	assert.Equal(t, int64(60), s.Available)
	assert.Equal(t, int64(10), s.Expired)
}

func TestSummarizeByCustomer(t *testing.T) {
	now := date(2025, time.July, 1)
	lots := []loyalty.Lot{
		{ID: 1, CustomerID: "a", PointsRemaining: 5, ExpiresAt: now.AddDate(0, 0, -1)},
		{ID: 2, CustomerID: "a", PointsRemaining: 7, ExpiresAt: now.AddDate(0, 0, 1)},
		{ID: 3, CustomerID: "b", PointsRemaining: 9, ExpiresAt: now.AddDate(0, 0, 1)},
	}

	got := loyalty.SummarizeByCustomer(lots, now)

	assert.Equal(t, map[loyalty.CustomerID]loyalty.BalanceSummary{
		"a": {Available: 7, Expired: 5},
		"b": {Available: 9},
	}, got)
}

func TestGetBalanceSummary_PerCustomerAndGlobal(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	a := addCustomer(t, l, "Dilshan")
	b := addCustomer(t, l, "Tharanga")

	accrue(t, l, a, "30")
	clk.Advance(180 * 24 * time.Hour)
	accrue(t, l, a, "45")
	accrue(t, l, b, "80")
	clk.Advance(200 * 24 * time.Hour) // the first lot has now expired

	sa, err := l.GetBalanceSummary(ctx, &a)
	require.NoError(t, err)
	assert.Equal(t, loyalty.BalanceSummary{Available: 45, Expired: 30}, sa)

	all, err := l.GetBalanceSummary(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, loyalty.BalanceSummary{Available: 125, Expired: 30}, all)

	dash, err := l.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dash.TotalCustomers)
	assert.Equal(t, all, dash.BalanceSummary)
}

func TestGetBalanceSummary_UnknownCustomer(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ghost := loyalty.CustomerID("ghost")

	_, err := l.GetBalanceSummary(context.Background(), &ghost)
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

func TestGetBalanceSummary_DoesNotMutate(t *testing.T) {
	l, _, clk := newTestLedger(t)
	id := addCustomer(t, l, "Chaminda")
	accrue(t, l, id, "25")
	clk.Advance(400 * 24 * time.Hour)

	before, err := l.ListLots(context.Background(), loyalty.LotFilter{})
	require.NoError(t, err)
	_, err = l.GetBalanceSummary(context.Background(), &id)
	require.NoError(t, err)
	after, err := l.ListLots(context.Background(), loyalty.LotFilter{})
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, loyalty.LotActive, after[0].Status, "projection must not persist expiry")
}

func TestListCustomerBalances(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := addCustomer(t, l, "Amal")
	b := addCustomer(t, l, "Bashir")
	addCustomer(t, l, "Chathura")
	accrue(t, l, a, "12")
	accrue(t, l, b, "34")

	all, err := l.ListCustomerBalances(ctx, loyalty.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Amal", all[0].Name)
	assert.Equal(t, int64(12), all[0].Available)
	assert.Equal(t, int64(34), all[1].Available)
	assert.Equal(t, int64(0), all[2].Available)

	some, err := l.ListCustomerBalances(ctx, loyalty.CustomerFilter{NameContains: "BASH"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, b, some[0].ID)

	one, err := l.GetCustomerBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(12), one.Available)
	assert.Equal(t, int64(12), one.CachedBalance)
}

func TestListActiveLots_OrderedAndFiltered(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Nuwan")

	_, late := accrue(t, l, id, "10")
	clk.Set(clk.Now().AddDate(0, 0, -10)) // grant the next lot earlier
	_, early := accrue(t, l, id, "20")
	accrue(t, l, id, "0.10") // depleted at birth

	lots, err := l.ListActiveLots(ctx, id)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, early.ID, lots[0].ID)
	assert.Equal(t, late.ID, lots[1].ID)

	_, err = l.ListActiveLots(ctx, "nobody")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}
