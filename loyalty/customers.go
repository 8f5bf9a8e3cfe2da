package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// =============================================================================
// CUSTOMER DIRECTORY
// =============================================================================

// NICLength is the required length of a national identity card number.
const NICLength = 12

// CustomerInput carries directory fields for create and update. On update,
// empty fields leave the stored value unchanged.
type CustomerInput struct {
	Name  string
	Email string
	Phone string
	NIC   string
}

func validateNIC(nic string) error {
	if utf8.RuneCountInString(nic) != NICLength {
		return invalidInput("nic", fmt.Sprintf("must be exactly %d characters", NICLength))
	}
	return nil
}

// CreateCustomer registers a customer with a zero balance.
func (l *Ledger) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, invalidInput("name", "is required")
	}
	if err := validateNIC(in.NIC); err != nil {
		return nil, err
	}

	c := Customer{
		Name:      in.Name,
		Email:     strings.TrimSpace(in.Email),
		Phone:     strings.TrimSpace(in.Phone),
		NIC:       in.NIC,
		CreatedAt: l.now(),
	}
	var err error
	for attempt := 1; attempt <= l.Program.MaxIDAttempts; attempt++ {
		c.ID = l.IDs.CustomerID()
		err = l.Store.InsertCustomer(ctx, c)
		if !errors.Is(err, ErrDuplicateID) {
			break
		}
	}
	if errors.Is(err, ErrDuplicateID) {
		return nil, &ConflictError{Op: "create customer", Attempts: l.Program.MaxIDAttempts, Err: err}
	}
	if err != nil {
		return nil, storeErr("insert customer", err)
	}

	l.Log.Info("customer created", zap.String("customer_id", string(c.ID)))
	return &c, nil
}

// UpdateCustomer applies the non-empty fields of patch.
func (l *Ledger) UpdateCustomer(ctx context.Context, id CustomerID, patch CustomerInput) (*Customer, error) {
	if patch.NIC != "" {
		if err := validateNIC(patch.NIC); err != nil {
			return nil, err
		}
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	var out Customer
	err := l.Store.WithTx(ctx, func(s Store) error {
		c, err := l.loadCustomer(ctx, s, id)
		if err != nil {
			return err
		}
		if v := strings.TrimSpace(patch.Name); v != "" {
			c.Name = v
		}
		if v := strings.TrimSpace(patch.Email); v != "" {
			c.Email = v
		}
		if v := strings.TrimSpace(patch.Phone); v != "" {
			c.Phone = v
		}
		if patch.NIC != "" {
			c.NIC = patch.NIC
		}
		if err := s.UpdateCustomer(ctx, *c); err != nil {
			return storeErr("update customer", err)
		}
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCustomer removes the customer together with its purchases, lots
// and redemptions.
func (l *Ledger) DeleteCustomer(ctx context.Context, id CustomerID) error {
	if id == "" {
		return invalidInput("customer_id", "is required")
	}
	unlock := l.locks.Lock(id)
	defer unlock()

	err := l.Store.WithTx(ctx, func(s Store) error {
		if _, err := l.loadCustomer(ctx, s, id); err != nil {
			return err
		}
		return storeErr("delete customer", s.DeleteCustomer(ctx, id))
	})
	if err != nil {
		return err
	}
	l.Log.Info("customer deleted", zap.String("customer_id", string(id)))
	return nil
}

func (l *Ledger) GetCustomer(ctx context.Context, id CustomerID) (*Customer, error) {
	return l.loadCustomer(ctx, l.Store, id)
}

func (l *Ledger) ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	cs, err := l.Store.ListCustomers(ctx, filter)
	if err != nil {
		return nil, storeErr("list customers", err)
	}
	return cs, nil
}
