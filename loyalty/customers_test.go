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
// CUSTOMER DIRECTORY TESTS
// =============================================================================

func TestCreateCustomer_Validation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input loyalty.CustomerInput
		field string
	}{
		{"missing name", loyalty.CustomerInput{Name: "  ", NIC: testNIC}, "name"},
		{"short nic", loyalty.CustomerInput{Name: "Ruwan", NIC: "12345"}, "nic"},
		{"long nic", loyalty.CustomerInput{Name: "Ruwan", NIC: "1234567890123"}, "nic"},
		{"empty nic", loyalty.CustomerInput{Name: "Ruwan"}, "nic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CreateCustomer(ctx, tt.input)
			assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
			var ve *loyalty.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	n, err := l.ListCustomers(ctx, loyalty.CustomerFilter{})
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestCreateCustomer_TrimsAndStartsAtZero(t *testing.T) {
	l, _, clk := newTestLedger(t)

	c, err := l.CreateCustomer(context.Background(), loyalty.CustomerInput{
		Name:  "  Kamal Perera ",
		Email: " kamal@example.com",
		Phone: "0771234567 ",
		NIC:   "19981234567V",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Kamal Perera", c.Name)
	assert.Equal(t, "kamal@example.com", c.Email)
	assert.Equal(t, "0771234567", c.Phone)
	assert.Equal(t, int64(0), c.CachedBalance)
	assert.Equal(t, clk.Now(), c.CreatedAt)

	got, err := l.GetCustomer(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, *c, *got)
}

func TestUpdateCustomer_AppliesNonEmptyFields(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	id := addCustomer(t, l, "Pathum")
	accrue(t, l, id, "20")

	c, err := l.UpdateCustomer(ctx, id, loyalty.CustomerInput{Email: "pathum@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "Pathum", c.Name)
	assert.Equal(t, "pathum@example.com", c.Email)
	assert.Equal(t, testNIC, c.NIC)
	assert.Equal(t, int64(20), cachedBalance(t, l, id), "update must not touch the balance")

	_, err = l.UpdateCustomer(ctx, id, loyalty.CustomerInput{NIC: "bad"})
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = l.UpdateCustomer(ctx, "ghost", loyalty.CustomerInput{Name: "x"})
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

func TestDeleteCustomer_Cascades(t *testing.T) {
	// GIVEN: A customer with purchases, lots and a redemption
	// WHEN: The customer is deleted
	// THEN: Every dependent record is gone and other customers are untouched

	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	gone := addCustomer(t, l, "Dasun")
	kept := addCustomer(t, l, "Charith")
	p, _ := accrue(t, l, gone, "50")
	accrue(t, l, kept, "10")
	_, err := l.RedeemPoints(ctx, gone, 5)
	require.NoError(t, err)

	require.NoError(t, l.DeleteCustomer(ctx, gone))

	_, err = l.GetCustomer(ctx, gone)
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
	_, err = l.GetPurchase(ctx, p.ID)
	assert.ErrorIs(t, err, loyalty.ErrPurchaseNotFound)
	rs, err := mem.ListRedemptions(ctx, gone)
	require.NoError(t, err)
	assert.Empty(t, rs)

	lots, err := l.ListLots(ctx, loyalty.LotFilter{})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, kept, lots[0].CustomerID)

	assert.ErrorIs(t, l.DeleteCustomer(ctx, gone), loyalty.ErrCustomerNotFound)
}

func TestListPurchases_Filters(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	a := addCustomer(t, l, "Avishka")
	b := addCustomer(t, l, "Bhanuka")

	start := clk.Now()
	accrue(t, l, a, "10")
	clk.Advance(24 * time.Hour)
	mid := clk.Now()
	accrue(t, l, a, "20")
	accrue(t, l, b, "30")

	mine, err := l.ListPurchases(ctx, loyalty.PurchaseFilter{CustomerID: &a})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].Timestamp.Before(mine[1].Timestamp))

	recent, err := l.ListPurchases(ctx, loyalty.PurchaseFilter{From: &mid})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = l.ListPurchases(ctx, loyalty.PurchaseFilter{From: &mid, To: &start})
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	ghost := loyalty.CustomerID("ghost")
	_, err = l.ListPurchases(ctx, loyalty.PurchaseFilter{CustomerID: &ghost})
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}
