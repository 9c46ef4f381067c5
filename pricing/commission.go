package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// EffectiveCommission is the commission that applies to a user evaluated
// against a customer. CategoryType is nil for the system default.
type EffectiveCommission struct {
	CategoryType     *string         `json:"category_type"`
	Percent          decimal.Decimal `json:"commission_percent"`
	SourceCustomerID CustomerID      `json:"source_customer_id,omitempty"`
	Inherited        bool            `json:"inherited"`
}

// DefaultCommission applies when no node in the chain has an assignment.
func DefaultCommission() EffectiveCommission {
	return EffectiveCommission{Percent: decimal.Zero}
}

// CommissionResolver implements nearest-ancestor-wins commission lookup.
type CommissionResolver struct {
	Hierarchy   *HierarchyResolver
	Assignments CommissionReader
}

func NewCommissionResolver(h *HierarchyResolver, assignments CommissionReader) *CommissionResolver {
	return &CommissionResolver{Hierarchy: h, Assignments: assignments}
}

// Resolve scans from customerID up to the root and returns the first
// explicit assignment found.
func (r *CommissionResolver) Resolve(ctx context.Context, userID UserID, customerID CustomerID) (EffectiveCommission, error) {
	if userID == "" {
		return EffectiveCommission{}, &ValidationError{Field: "user_id", Message: "required"}
	}
	chain, err := r.Hierarchy.Ancestors(ctx, customerID)
	if err != nil {
		return EffectiveCommission{}, err
	}
	for i, node := range chain {
		a, err := r.Assignments.GetCommissionAssignment(ctx, node.ID)
		if err != nil {
			return EffectiveCommission{}, Downstream("get commission assignment", err)
		}
		if a == nil {
			continue
		}
		if err := ValidatePercent("commission_percent", a.CommissionPercent); err != nil {
			return EffectiveCommission{}, err
		}
		category := a.CategoryType
		return EffectiveCommission{
			CategoryType:     &category,
			Percent:          NormalizeRate(a.CommissionPercent),
			SourceCustomerID: node.ID,
			Inherited:        i > 0,
		}, nil
	}
	return DefaultCommission(), nil
}

// commissionCache memoizes Resolve for the lifetime of one request.
type commissionCache struct {
	resolver *CommissionResolver
	userID   UserID
	byID     map[CustomerID]EffectiveCommission
}

func newCommissionCache(r *CommissionResolver, userID UserID) *commissionCache {
	return &commissionCache{resolver: r, userID: userID, byID: make(map[CustomerID]EffectiveCommission)}
}

func (c *commissionCache) get(ctx context.Context, customerID CustomerID) (EffectiveCommission, error) {
	if ec, ok := c.byID[customerID]; ok {
		return ec, nil
	}
	ec, err := c.resolver.Resolve(ctx, c.userID, customerID)
	if err != nil {
		return EffectiveCommission{}, err
	}
	c.byID[customerID] = ec
	return ec, nil
}
