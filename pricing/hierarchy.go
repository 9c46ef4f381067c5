package pricing

import (
	"context"
)

// DefaultMaxDepth bounds ancestor walks when no depth is configured.
const DefaultMaxDepth = 32

// HierarchyResolver walks the reseller tree by parent id.
type HierarchyResolver struct {
	Customers CustomerReader
	MaxDepth  int
}

func NewHierarchyResolver(customers CustomerReader, maxDepth int) *HierarchyResolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &HierarchyResolver{Customers: customers, MaxDepth: maxDepth}
}

// Ancestors returns the chain from id up to its root, both inclusive.
// The last element always has an empty ParentID.
func (h *HierarchyResolver) Ancestors(ctx context.Context, id CustomerID) ([]Customer, error) {
	if id == "" {
		return nil, &ValidationError{Field: "customer_id", Message: "required"}
	}
	maxDepth := h.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var (
		chain   []Customer
		path    []CustomerID
		visited = make(map[CustomerID]struct{})
		next    = id
	)
	for next != "" {
		if _, seen := visited[next]; seen {
			return nil, &HierarchyError{Start: id, Path: append(path, next), cause: ErrCycleDetected}
		}
		if len(chain) == maxDepth {
			return nil, &HierarchyError{Start: id, Path: append(path, next), cause: ErrDepthExceeded}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := h.Customers.GetCustomer(ctx, next)
		if err != nil {
			// A dangling parent id is reported against the missing node.
			return nil, Downstream("get customer", err)
		}
		visited[next] = struct{}{}
		path = append(path, next)
		chain = append(chain, c)
		next = c.ParentID
	}
	return chain, nil
}

// Root returns the topmost ancestor of id.
func (h *HierarchyResolver) Root(ctx context.Context, id CustomerID) (Customer, error) {
	chain, err := h.Ancestors(ctx, id)
	if err != nil {
		return Customer{}, err
	}
	return chain[len(chain)-1], nil
}
