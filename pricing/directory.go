package pricing

import (
	"context"
	"time"
)

// Directory holds the admin writes the core depends on: tree nodes,
// commission overrides, user membership and merchant fee tables. Every
// write is validated before it reaches the store.
type Directory struct {
	Store     TxStore
	Hierarchy *HierarchyResolver
	Now       func() time.Time
}

func NewDirectory(store TxStore, hierarchy *HierarchyResolver) *Directory {
	return &Directory{Store: store, Hierarchy: hierarchy, Now: time.Now}
}

// SaveCustomer creates or updates a node. A parent change that would make
// the node its own ancestor is rejected with ErrCycleDetected.
func (d *Directory) SaveCustomer(ctx context.Context, c Customer) error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if c.ParentID == c.ID {
		return &HierarchyError{Start: c.ID, Path: []CustomerID{c.ID, c.ID}, cause: ErrCycleDetected}
	}
	if c.ParentID != "" {
		chain, err := d.Hierarchy.Ancestors(ctx, c.ParentID)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ID == c.ID {
				return &HierarchyError{Start: c.ID, Path: []CustomerID{c.ID, c.ParentID, c.ID}, cause: ErrCycleDetected}
			}
		}
		if len(chain)+1 > d.Hierarchy.MaxDepth && d.Hierarchy.MaxDepth > 0 {
			return &HierarchyError{Start: c.ID, Path: []CustomerID{c.ID, c.ParentID}, cause: ErrDepthExceeded}
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = d.Now().UTC()
	}
	return Downstream("save customer", d.Store.SaveCustomer(ctx, c))
}

// SetCommission configures an explicit override on a node. It affects the
// node and every descendant that has no closer override.
func (d *Directory) SetCommission(ctx context.Context, a CommissionAssignment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := d.Store.GetCustomer(ctx, a.CustomerID); err != nil {
		return Downstream("get customer", err)
	}
	a.CommissionPercent = NormalizeRate(a.CommissionPercent)
	return Downstream("save commission assignment", d.Store.SaveCommissionAssignment(ctx, a))
}

// ClearCommission removes the override of a node so it inherits again.
func (d *Directory) ClearCommission(ctx context.Context, id CustomerID) error {
	if _, err := d.Store.GetCustomer(ctx, id); err != nil {
		return Downstream("get customer", err)
	}
	return Downstream("delete commission assignment", d.Store.DeleteCommissionAssignment(ctx, id))
}

func (d *Directory) AssignUser(ctx context.Context, userID UserID, customerID CustomerID) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if _, err := d.Store.GetCustomer(ctx, customerID); err != nil {
		return Downstream("get customer", err)
	}
	return Downstream("assign user customer", d.Store.AssignUserCustomer(ctx, userID, customerID))
}

// SetContractedFees replaces the merchant fee table of a customer.
func (d *Directory) SetContractedFees(ctx context.Context, customerID CustomerID, fees []RateEntry) error {
	if err := ValidateRateTable("fees", fees); err != nil {
		return err
	}
	if _, err := d.Store.GetCustomer(ctx, customerID); err != nil {
		return Downstream("get customer", err)
	}
	return Downstream("save contracted fees", d.Store.SaveContractedFees(ctx, customerID, NormalizeRateTable(fees)))
}
