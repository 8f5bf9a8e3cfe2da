/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger's types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIME FORMAT:
  All timestamps are RFC 3339 in UTC.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-loyalty/loyalty"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CustomerDTO represents a customer with its point projection.
type CustomerDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	NIC             string `json:"nic"`
	CachedBalance   int64  `json:"cached_balance"`
	AvailablePoints int64  `json:"available_points"`
	ExpiredPoints   int64  `json:"expired_points"`
	CreatedAt       string `json:"created_at"`
}

// CustomerRequest creates a customer, or patches one on PUT.
type CustomerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	NIC   string `json:"nic"`
}

// CreateTransactionRequest records a fuel purchase. Amount accepts a JSON
// number or a decimal string.
type CreateTransactionRequest struct {
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// TransactionReceiptDTO is returned when a purchase is recorded.
type TransactionReceiptDTO struct {
	ID           string `json:"transaction_id"`
	PointsEarned int64  `json:"points_earned"`
}

// TransactionDTO represents a recorded purchase.
type TransactionDTO struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name,omitempty"`
	Amount       string `json:"amount"`
	PointsEarned int64  `json:"points_earned"`
	Timestamp    string `json:"timestamp"`
}

// RedeemRequest spends points.
type RedeemRequest struct {
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
}

// RedemptionDTO represents a redemption record.
type RedemptionDTO struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Timestamp  string `json:"timestamp"`
}

// LotDTO represents a lot. Status is evaluated at response time, so a lot
// past its expiry reads as expired before the sweep persists it.
type LotDTO struct {
	ID              int64   `json:"id"`
	CustomerID      string  `json:"customer_id"`
	PurchaseID      *string `json:"transaction_id,omitempty"`
	PointsGranted   int64   `json:"points_granted"`
	PointsRemaining int64   `json:"points_remaining"`
	GrantedAt       string  `json:"granted_at"`
	ExpiresAt       string  `json:"expires_at"`
	Status          string  `json:"status"`
	DepletedAt      *string `json:"depleted_at,omitempty"`
}

// LotPageResponse is one page of the lot listing with status totals over
// every matching lot.
type LotPageResponse struct {
	TotalRecords   int      `json:"total_records"`
	TotalAvailable int      `json:"total_available"`
	TotalExpired   int      `json:"total_expired"`
	Page           int      `json:"page"`
	PageSize       int      `json:"page_size"`
	Data           []LotDTO `json:"data"`
}

// BalanceDTO splits a point total by expiry.
type BalanceDTO struct {
	CustomerID    string `json:"customer_id,omitempty"`
	Available     int64  `json:"available_points"`
	Expired       int64  `json:"expired_points"`
	CachedBalance *int64 `json:"cached_balance,omitempty"`
}

// DashboardDTO feeds the admin dashboard.
type DashboardDTO struct {
	TotalCustomers  int   `json:"total_customers"`
	AvailablePoints int64 `json:"available_points"`
	ExpiredPoints   int64 `json:"expired_points"`
}

// ExpiryReportDTO reports a manual expiry sweep.
type ExpiryReportDTO struct {
	LotsExpired     int   `json:"lots_expired"`
	PointsForfeited int64 `json:"points_forfeited"`
	Customers       int   `json:"customers"`
}

// ReconcileDTO reports a cached balance correction.
type ReconcileDTO struct {
	CustomerID string `json:"customer_id"`
	Previous   int64  `json:"previous"`
	Current    int64  `json:"current"`
}

// LoginRequest is the admin login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toCustomerDTO(c loyalty.Customer, b loyalty.BalanceSummary) CustomerDTO {
	return CustomerDTO{
		ID:              string(c.ID),
		Name:            c.Name,
		Email:           c.Email,
		Phone:           c.Phone,
		NIC:             c.NIC,
		CachedBalance:   c.CachedBalance,
		AvailablePoints: b.Available,
		ExpiredPoints:   b.Expired,
		CreatedAt:       formatTime(c.CreatedAt),
	}
}

func toTransactionDTO(p loyalty.Purchase) TransactionDTO {
	return TransactionDTO{
		ID:           string(p.ID),
		CustomerID:   string(p.CustomerID),
		Amount:       p.Amount.StringFixed(2),
		PointsEarned: p.PointsEarned,
		Timestamp:    formatTime(p.Timestamp),
	}
}

func toRedemptionDTO(r loyalty.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:         string(r.ID),
		CustomerID: string(r.CustomerID),
		Amount:     r.Amount,
		Timestamp:  formatTime(r.Timestamp),
	}
}

func toLotDTO(l loyalty.Lot, now time.Time) LotDTO {
	dto := LotDTO{
		ID:              int64(l.ID),
		CustomerID:      string(l.CustomerID),
		PointsGranted:   l.PointsGranted,
		PointsRemaining: l.PointsRemaining,
		GrantedAt:       formatTime(l.GrantedAt),
		ExpiresAt:       formatTime(l.ExpiresAt),
		Status:          string(l.StatusAt(now)),
	}
	if l.PurchaseID != nil {
		id := string(*l.PurchaseID)
		dto.PurchaseID = &id
	}
	if l.DepletedAt != nil {
		at := formatTime(*l.DepletedAt)
		dto.DepletedAt = &at
	}
	return dto
}

func toLotDTOs(lots []loyalty.Lot, now time.Time) []LotDTO {
	out := make([]LotDTO, len(lots))
	for i, l := range lots {
		out[i] = toLotDTO(l, now)
	}
	return out
}
