/*
handlers.go - HTTP API handlers for the loyalty back office

PURPOSE:
  Exposes the loyalty ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to loyalty.Ledger.

ENDPOINTS:
  Customers:
    GET    /api/customers                   List with point totals
    POST   /api/customers                   Register customer
    GET    /api/customers/{id}              Customer with point totals
    PUT    /api/customers/{id}              Patch directory fields
    DELETE /api/customers/{id}              Delete with history
    GET    /api/customers/{id}/balance      Available vs expired
    GET    /api/customers/{id}/lots         Redeemable lots, earliest expiry first
    GET    /api/customers/{id}/transactions Purchase history
    GET    /api/customers/{id}/redemptions  Redemption history
    POST   /api/customers/{id}/reconcile    Recompute cached balance

  Transactions (purchases):
    POST   /api/transactions                Record purchase, grant points
    GET    /api/transactions/{id}           Purchase details
    DELETE /api/transactions/{id}           Void purchase and its points

  Redemptions:
    POST   /api/redemptions                 Spend points

  Lots:
    GET    /api/lots                        Paged listing across customers

  Admin:
    GET    /api/admin/dashboard             Global totals
    POST   /api/admin/expire                Run the expiry sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the ledger (it validates)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, insufficient balance
  - 404: Customer or purchase not found
  - 409: Conflict (id or version retries exhausted)
  - 500: Inconsistent ledger state, persistence failures

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/fuel-loyalty/logging"
	"github.com/warp/fuel-loyalty/loyalty"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *loyalty.Ledger

	// Health reports whether the backing store is reachable. Optional.
	Health func(ctx context.Context) error
}

func NewHandler(ledger *loyalty.Ledger) *Handler {
	return &Handler{Ledger: ledger}
}

func (h *Handler) now() time.Time { return h.Ledger.Now().UTC() }

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns customers with their point totals.
// Query: name (substring), sort=name|available|expired, order=asc|desc.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field, desc, err := parseSort(q.Get("sort"), q.Get("order"), "name", false, "name", "available", "expired")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sort", err)
		return
	}

	rows, err := h.Ledger.ListCustomerBalances(r.Context(), loyalty.CustomerFilter{NameContains: q.Get("name")})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list customers", err)
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if desc {
			a, b = b, a
		}
		switch field {
		case "available":
			return a.Available < b.Available
		case "expired":
			return a.Expired < b.Expired
		default:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	})

	dtos := make([]CustomerDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toCustomerDTO(row.Customer, row.BalanceSummary)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Ledger.CreateCustomer(r.Context(), loyalty.CustomerInput(req))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(*c, loyalty.BalanceSummary{}))
}

// GetCustomer returns a customer with its point totals.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	cb, err := h.Ledger.GetCustomerBalance(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(cb.Customer, cb.BalanceSummary))
}

// UpdateCustomer patches the non-empty fields of the body.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := customerParam(r)
	if _, err := h.Ledger.UpdateCustomer(r.Context(), id, loyalty.CustomerInput(req)); err != nil {
		h.writeLedgerError(w, r, "Failed to update customer", err)
		return
	}
	cb, err := h.Ledger.GetCustomerBalance(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(cb.Customer, cb.BalanceSummary))
}

// DeleteCustomer removes a customer and its history.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteCustomer(r.Context(), customerParam(r)); err != nil {
		h.writeLedgerError(w, r, "Failed to delete customer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns available vs expired points for one customer.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	cb, err := h.Ledger.GetCustomerBalance(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get balance", err)
		return
	}
	cached := cb.CachedBalance
	writeJSON(w, http.StatusOK, BalanceDTO{
		CustomerID:    string(cb.ID),
		Available:     cb.Available,
		Expired:       cb.Expired,
		CachedBalance: &cached,
	})
}

// GetCustomerLots returns redeemable lots in redemption order.
func (h *Handler) GetCustomerLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Ledger.ListActiveLots(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list lots", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots, h.now()))
}

// GetCustomerTransactions returns purchase history.
// Query: from, to (RFC 3339 or YYYY-MM-DD, inclusive), sort=date|amount, order=asc|desc.
func (h *Handler) GetCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field, desc, err := parseSort(q.Get("sort"), q.Get("order"), "date", false, "date", "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sort", err)
		return
	}
	from, err := parseTimeParam(q.Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := parseTimeParam(q.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}

	id := customerParam(r)
	purchases, err := h.Ledger.ListPurchases(r.Context(), loyalty.PurchaseFilter{CustomerID: &id, From: from, To: to})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list transactions", err)
		return
	}

	sort.SliceStable(purchases, func(i, j int) bool {
		a, b := purchases[i], purchases[j]
		if desc {
			a, b = b, a
		}
		if field == "amount" {
			return a.Amount.LessThan(b.Amount)
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	customer, err := h.Ledger.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(purchases))
	for i, p := range purchases {
		dtos[i] = toTransactionDTO(p)
		dtos[i].CustomerName = customer.Name
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCustomerRedemptions returns redemption history, oldest first.
func (h *Handler) GetCustomerRedemptions(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Ledger.ListRedemptions(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list redemptions", err)
		return
	}
	dtos := make([]RedemptionDTO, len(rs))
	for i, red := range rs {
		dtos[i] = toRedemptionDTO(red)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcileCustomer recomputes the cached balance from the lots.
func (h *Handler) ReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	fix, err := h.Ledger.ReconcileBalance(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile balance", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		CustomerID: string(fix.CustomerID),
		Previous:   fix.Previous,
		Current:    fix.Current,
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction records a purchase and grants its points.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	receipt, err := h.Ledger.CreateTransaction(r.Context(), loyalty.CustomerID(req.CustomerID), req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to record transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionReceiptDTO{
		ID:           string(receipt.ID),
		PointsEarned: receipt.PointsEarned,
	})
}

// GetTransaction returns one purchase.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.GetPurchase(r.Context(), loyalty.PurchaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*p))
}

// DeleteTransaction voids a purchase and the points it granted.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteTransaction(r.Context(), loyalty.PurchaseID(chi.URLParam(r, "id"))); err != nil {
		h.writeLedgerError(w, r, "Failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// RedeemPoints spends points, earliest-expiring lots first.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	red, err := h.Ledger.RedeemPoints(r.Context(), loyalty.CustomerID(req.CustomerID), req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionDTO(*red))
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// ListLots pages through every lot.
// Query: status=available|expired, sort=points|expires_at|granted_at,
// order=asc|desc (default points desc), page (1-based), page_size.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field, desc, err := parseSort(q.Get("sort"), q.Get("order"), "points", true, "points", "expires_at", "granted_at")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sort", err)
		return
	}
	status := strings.ToLower(q.Get("status"))
	if status != "" && status != "available" && status != "expired" {
		writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("status must be available or expired, got %q", status))
		return
	}
	page, err := parsePositive(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	pageSize, err := parsePositive(q.Get("page_size"), defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page_size", err)
		return
	}
	pageSize = min(pageSize, maxPageSize)

	all, err := h.Ledger.ListLots(r.Context(), loyalty.LotFilter{})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list lots", err)
		return
	}

	now := h.now()
	resp := LotPageResponse{Page: page, PageSize: pageSize}
	matched := make([]loyalty.Lot, 0, len(all))
	for _, l := range all {
		expired := l.ExpiresAt.Before(now)
		if (status == "available" && expired) || (status == "expired" && !expired) {
			continue
		}
		if expired {
			resp.TotalExpired++
		} else {
			resp.TotalAvailable++
		}
		matched = append(matched, l)
	}
	resp.TotalRecords = len(matched)

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if desc {
			a, b = b, a
		}
		switch field {
		case "expires_at":
			return a.ExpiresAt.Before(b.ExpiresAt)
		case "granted_at":
			return a.GrantedAt.Before(b.GrantedAt)
		default:
			return a.PointsRemaining < b.PointsRemaining
		}
	})

	start := len(matched)
	if page-1 < len(matched)/pageSize+1 {
		start = min((page-1)*pageSize, len(matched))
	}
	end := min(start+pageSize, len(matched))
	resp.Data = toLotDTOs(matched[start:end], now)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Dashboard returns global point totals and the customer count.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Ledger.Dashboard(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to load dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		TotalCustomers:  d.TotalCustomers,
		AvailablePoints: d.Available,
		ExpiredPoints:   d.Expired,
	})
}

// TriggerExpiry runs the expiry sweep immediately.
func (h *Handler) TriggerExpiry(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.ExpireLots(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Expiry sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiryReportDTO{
		LotsExpired:     report.LotsExpired,
		PointsForfeited: report.PointsForfeited,
		Customers:       report.Customers,
	})
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the ledger error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case loyalty.IsClientError(err):
		return http.StatusBadRequest
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrConflict), errors.Is(err, loyalty.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error(message, zap.Error(err))
	}

	var short *loyalty.InsufficientBalanceError
	if errors.As(err, &short) {
		writeJSON(w, status, ErrorResponse{
			Error: message,
			Details: map[string]int64{
				"available": short.Available,
				"requested": short.Requested,
				"shortfall": short.Shortfall,
			},
		})
		return
	}
	writeError(w, status, message, err)
}

func customerParam(r *http.Request) loyalty.CustomerID {
	return loyalty.CustomerID(chi.URLParam(r, "id"))
}

// parseSort validates a sort field against allowed and an order of asc|desc.
func parseSort(field, order, defField string, defDesc bool, allowed ...string) (string, bool, error) {
	field = strings.ToLower(field)
	if field == "" {
		field = defField
	}
	ok := false
	for _, a := range allowed {
		if field == a {
			ok = true
			break
		}
	}
	if !ok {
		return "", false, fmt.Errorf("sort must be one of %s, got %q", strings.Join(allowed, ", "), field)
	}

	switch strings.ToLower(order) {
	case "":
		return field, defDesc, nil
	case "asc":
		return field, false, nil
	case "desc":
		return field, true, nil
	default:
		return "", false, fmt.Errorf("order must be asc or desc, got %q", order)
	}
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parsePositive(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("must be a positive integer, got %q", v)
	}
	return n, nil
}
