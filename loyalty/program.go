package loyalty

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROGRAM - Earning and id rules for one loyalty program
// =============================================================================

// Program holds the rules the ledger applies when granting points.
// JSON definitions are parsed by factory.ParseProgram.
type Program struct {
	// PointsPerUnit is the points granted per unit of currency spent.
	// Points are truncated: floor(amount * PointsPerUnit).
	PointsPerUnit decimal.Decimal

	// ValidityMonths is how long a lot stays redeemable after it is granted.
	ValidityMonths int

	// TokenPrefix and TokenDigits shape purchase ids, e.g. "RL" + 6 digits.
	TokenPrefix string
	TokenDigits int

	// MaxIDAttempts bounds the retries on a purchase-token collision.
	MaxIDAttempts int

	// MaxConflictRetries bounds the retries of a redemption that lost an
	// optimistic version check.
	MaxConflictRetries int
}

// DefaultProgram is one point per currency unit, valid for twelve months.
func DefaultProgram() Program {
	return Program{
		PointsPerUnit:      decimal.NewFromInt(1),
		ValidityMonths:     12,
		TokenPrefix:        "RL",
		TokenDigits:        6,
		MaxIDAttempts:      100,
		MaxConflictRetries: 3,
	}
}

func (p Program) Validate() error {
	if !p.PointsPerUnit.IsPositive() {
		return fmt.Errorf("program: points_per_unit must be positive, got %s", p.PointsPerUnit)
	}
	if p.ValidityMonths <= 0 {
		return fmt.Errorf("program: validity_months must be positive, got %d", p.ValidityMonths)
	}
	if p.TokenDigits < 4 || p.TokenDigits > 18 {
		return fmt.Errorf("program: token_digits must be between 4 and 18, got %d", p.TokenDigits)
	}
	if p.MaxIDAttempts <= 0 {
		return fmt.Errorf("program: max_id_attempts must be positive, got %d", p.MaxIDAttempts)
	}
	if p.MaxConflictRetries < 0 {
		return fmt.Errorf("program: max_conflict_retries must not be negative, got %d", p.MaxConflictRetries)
	}
	return nil
}

// MaxPointsPerPurchase bounds the points one purchase can earn so that lot
// and balance arithmetic stays within int64.
const MaxPointsPerPurchase int64 = 1_000_000_000_000

var maxPointsPerPurchase = decimal.NewFromInt(MaxPointsPerPurchase)

// PointsFor returns the points earned by a purchase of amount, or false when
// the result exceeds MaxPointsPerPurchase.
func (p Program) PointsFor(amount decimal.Decimal) (int64, bool) {
	points := amount.Mul(p.PointsPerUnit).Floor()
	if points.GreaterThan(maxPointsPerPurchase) {
		return 0, false
	}
	return points.IntPart(), true
}

// ExpiryFor returns when a lot granted at grantedAt stops being redeemable.
func (p Program) ExpiryFor(grantedAt time.Time) time.Time {
	return grantedAt.AddDate(0, p.ValidityMonths, 0)
}
