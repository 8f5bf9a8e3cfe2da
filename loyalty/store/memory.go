// Package store provides in-process loyalty.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/fuel-loyalty/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. Records are
// copied in and out so callers never alias stored state.
//
// Unlike the SQLite store it does not enforce foreign keys: a purchase may
// outlive its customer if a caller deletes records piecemeal.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	customers   map[loyalty.CustomerID]loyalty.Customer
	purchases   map[loyalty.PurchaseID]loyalty.Purchase
	lots        map[loyalty.LotID]loyalty.Lot
	redemptions map[loyalty.RedemptionID]loyalty.Redemption
}

func newState() *state {
	return &state{
		customers:   make(map[loyalty.CustomerID]loyalty.Customer),
		purchases:   make(map[loyalty.PurchaseID]loyalty.Purchase),
		lots:        make(map[loyalty.LotID]loyalty.Lot),
		redemptions: make(map[loyalty.RedemptionID]loyalty.Redemption),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ loyalty.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.customers {
		out.customers[k] = v
	}
	for k, v := range s.purchases {
		out.purchases[k] = v
	}
	for k, v := range s.lots {
		out.lots[k] = copyLot(v)
	}
	for k, v := range s.redemptions {
		out.redemptions[k] = v
	}
	return out
}

func copyLot(l loyalty.Lot) loyalty.Lot {
	if l.PurchaseID != nil {
		id := *l.PurchaseID
		l.PurchaseID = &id
	}
	if l.DepletedAt != nil {
		at := *l.DepletedAt
		l.DepletedAt = &at
	}
	return l
}

// =============================================================================
// LOCKED ACCESSORS - Memory delegates to state under mu
// =============================================================================

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) InsertCustomer(ctx context.Context, c loyalty.Customer) error {
	return m.write(func(s *state) error { return s.InsertCustomer(ctx, c) })
}

func (m *Memory) UpdateCustomer(ctx context.Context, c loyalty.Customer) error {
	return m.write(func(s *state) error { return s.UpdateCustomer(ctx, c) })
}

func (m *Memory) DeleteCustomer(ctx context.Context, id loyalty.CustomerID) error {
	return m.write(func(s *state) error { return s.DeleteCustomer(ctx, id) })
}

func (m *Memory) GetCustomer(ctx context.Context, id loyalty.CustomerID) (c *loyalty.Customer, err error) {
	err = m.read(func(s *state) error { c, err = s.GetCustomer(ctx, id); return err })
	return c, err
}

func (m *Memory) ListCustomers(ctx context.Context, f loyalty.CustomerFilter) (cs []loyalty.Customer, err error) {
	err = m.read(func(s *state) error { cs, err = s.ListCustomers(ctx, f); return err })
	return cs, err
}

func (m *Memory) CountCustomers(ctx context.Context) (n int, err error) {
	err = m.read(func(s *state) error { n, err = s.CountCustomers(ctx); return err })
	return n, err
}

func (m *Memory) AdjustCachedBalance(ctx context.Context, id loyalty.CustomerID, delta int64) error {
	return m.write(func(s *state) error { return s.AdjustCachedBalance(ctx, id, delta) })
}

func (m *Memory) InsertPurchase(ctx context.Context, p loyalty.Purchase) error {
	return m.write(func(s *state) error { return s.InsertPurchase(ctx, p) })
}

func (m *Memory) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (p *loyalty.Purchase, err error) {
	err = m.read(func(s *state) error { p, err = s.GetPurchase(ctx, id); return err })
	return p, err
}

func (m *Memory) DeletePurchase(ctx context.Context, id loyalty.PurchaseID) error {
	return m.write(func(s *state) error { return s.DeletePurchase(ctx, id) })
}

func (m *Memory) ListPurchases(ctx context.Context, f loyalty.PurchaseFilter) (ps []loyalty.Purchase, err error) {
	err = m.read(func(s *state) error { ps, err = s.ListPurchases(ctx, f); return err })
	return ps, err
}

func (m *Memory) InsertLot(ctx context.Context, l loyalty.Lot) error {
	return m.write(func(s *state) error { return s.InsertLot(ctx, l) })
}

func (m *Memory) UpdateLot(ctx context.Context, l loyalty.Lot) error {
	return m.write(func(s *state) error { return s.UpdateLot(ctx, l) })
}

func (m *Memory) DeleteLot(ctx context.Context, id loyalty.LotID) error {
	return m.write(func(s *state) error { return s.DeleteLot(ctx, id) })
}

func (m *Memory) LotsByPurchase(ctx context.Context, id loyalty.PurchaseID) (ls []loyalty.Lot, err error) {
	err = m.read(func(s *state) error { ls, err = s.LotsByPurchase(ctx, id); return err })
	return ls, err
}

func (m *Memory) ListLots(ctx context.Context, f loyalty.LotFilter) (ls []loyalty.Lot, err error) {
	err = m.read(func(s *state) error { ls, err = s.ListLots(ctx, f); return err })
	return ls, err
}

func (m *Memory) InsertRedemption(ctx context.Context, r loyalty.Redemption) error {
	return m.write(func(s *state) error { return s.InsertRedemption(ctx, r) })
}

func (m *Memory) ListRedemptions(ctx context.Context, id loyalty.CustomerID) (rs []loyalty.Redemption, err error) {
	err = m.read(func(s *state) error { rs, err = s.ListRedemptions(ctx, id); return err })
	return rs, err
}

// =============================================================================
// STATE - Unlocked view handed to WithTx callbacks
// =============================================================================

func (s *state) InsertCustomer(_ context.Context, c loyalty.Customer) error {
	if _, ok := s.customers[c.ID]; ok {
		return fmt.Errorf("customer %s: %w", c.ID, loyalty.ErrDuplicateID)
	}
	s.customers[c.ID] = c
	return nil
}

func (s *state) UpdateCustomer(_ context.Context, c loyalty.Customer) error {
	old, ok := s.customers[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, c.ID)
	}
	// The cached balance is owned by AdjustCachedBalance.
	c.CachedBalance = old.CachedBalance
	c.CreatedAt = old.CreatedAt
	s.customers[c.ID] = c
	return nil
}

// DeleteCustomer cascades to the customer's purchases, lots and redemptions.
func (s *state) DeleteCustomer(_ context.Context, id loyalty.CustomerID) error {
	if _, ok := s.customers[id]; !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id)
	}
	delete(s.customers, id)
	for k, p := range s.purchases {
		if p.CustomerID == id {
			delete(s.purchases, k)
		}
	}
	for k, l := range s.lots {
		if l.CustomerID == id {
			delete(s.lots, k)
		}
	}
	for k, r := range s.redemptions {
		if r.CustomerID == id {
			delete(s.redemptions, k)
		}
	}
	return nil
}

func (s *state) GetCustomer(_ context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ListCustomers returns customers ordered by name, then id.
func (s *state) ListCustomers(_ context.Context, f loyalty.CustomerFilter) ([]loyalty.Customer, error) {
	needle := strings.ToLower(f.NameContains)
	out := make([]loyalty.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if needle != "" && !strings.Contains(strings.ToLower(c.Name), needle) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) CountCustomers(_ context.Context) (int, error) {
	return len(s.customers), nil
}

func (s *state) AdjustCachedBalance(_ context.Context, id loyalty.CustomerID, delta int64) error {
	c, ok := s.customers[id]
	if !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id)
	}
	c.CachedBalance += delta
	s.customers[id] = c
	return nil
}

func (s *state) InsertPurchase(_ context.Context, p loyalty.Purchase) error {
	if _, ok := s.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s: %w", p.ID, loyalty.ErrDuplicateID)
	}
	s.purchases[p.ID] = p
	return nil
}

func (s *state) GetPurchase(_ context.Context, id loyalty.PurchaseID) (*loyalty.Purchase, error) {
	p, ok := s.purchases[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) DeletePurchase(_ context.Context, id loyalty.PurchaseID) error {
	if _, ok := s.purchases[id]; !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrPurchaseNotFound, id)
	}
	delete(s.purchases, id)
	return nil
}

// ListPurchases returns purchases ordered by timestamp, then id.
func (s *state) ListPurchases(_ context.Context, f loyalty.PurchaseFilter) ([]loyalty.Purchase, error) {
	var out []loyalty.Purchase
	for _, p := range s.purchases {
		if f.CustomerID != nil && p.CustomerID != *f.CustomerID {
			continue
		}
		if f.From != nil && p.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && p.Timestamp.After(*f.To) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) InsertLot(_ context.Context, l loyalty.Lot) error {
	if _, ok := s.lots[l.ID]; ok {
		return fmt.Errorf("lot %d: %w", l.ID, loyalty.ErrDuplicateID)
	}
	if l.Version == 0 {
		l.Version = 1
	}
	s.lots[l.ID] = copyLot(l)
	return nil
}

func (s *state) UpdateLot(_ context.Context, l loyalty.Lot) error {
	old, ok := s.lots[l.ID]
	if !ok {
		return fmt.Errorf("lot %d: %w", l.ID, loyalty.ErrNotFound)
	}
	if old.Version != l.Version {
		return fmt.Errorf("lot %d at version %d, have %d: %w",
			l.ID, old.Version, l.Version, loyalty.ErrConcurrentModification)
	}
	l.Version++
	s.lots[l.ID] = copyLot(l)
	return nil
}

func (s *state) DeleteLot(_ context.Context, id loyalty.LotID) error {
	if _, ok := s.lots[id]; !ok {
		return fmt.Errorf("lot %d: %w", id, loyalty.ErrNotFound)
	}
	delete(s.lots, id)
	return nil
}

func (s *state) LotsByPurchase(_ context.Context, id loyalty.PurchaseID) ([]loyalty.Lot, error) {
	var out []loyalty.Lot
	for _, l := range s.lots {
		if l.PurchaseID != nil && *l.PurchaseID == id {
			out = append(out, copyLot(l))
		}
	}
	sortLots(out)
	return out, nil
}

func (s *state) ListLots(_ context.Context, f loyalty.LotFilter) ([]loyalty.Lot, error) {
	var out []loyalty.Lot
	for _, l := range s.lots {
		if f.Matches(l) {
			out = append(out, copyLot(l))
		}
	}
	sortLots(out)
	return out, nil
}

func sortLots(lots []loyalty.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

func (s *state) InsertRedemption(_ context.Context, r loyalty.Redemption) error {
	if _, ok := s.redemptions[r.ID]; ok {
		return fmt.Errorf("redemption %s: %w", r.ID, loyalty.ErrDuplicateID)
	}
	s.redemptions[r.ID] = r
	return nil
}

// ListRedemptions returns the customer's redemptions, oldest first.
func (s *state) ListRedemptions(_ context.Context, id loyalty.CustomerID) ([]loyalty.Redemption, error) {
	var out []loyalty.Redemption
	for _, r := range s.redemptions {
		if r.CustomerID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Seed inserts records directly, bypassing the ledger. Intended for tests
// that need states the ledger would never produce.
func (m *Memory) Seed(customers []loyalty.Customer, purchases []loyalty.Purchase, lots []loyalty.Lot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range customers {
		m.st.customers[c.ID] = c
	}
	for _, p := range purchases {
		m.st.purchases[p.ID] = p
	}
	for _, l := range lots {
		m.st.lots[l.ID] = copyLot(l)
	}
}
