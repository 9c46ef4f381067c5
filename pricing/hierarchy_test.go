package pricing_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

func TestAncestors_EndsAtRoot(t *testing.T) {
	// GIVEN: root -> regional -> local
	f := newFixture(t)
	f.customer(t, "root", "")
	f.customer(t, "regional", "root")
	f.customer(t, "local", "regional")

	// WHEN: Walking up from the leaf
	chain, err := f.hierarchy.Ancestors(f.ctx, "local")

	// THEN: The chain is leaf-first and ends at a node without parent
	require.NoError(t, err)
	ids := make([]pricing.CustomerID, len(chain))
	for i, c := range chain {
		ids[i] = c.ID
	}
	assert.Equal(t, []pricing.CustomerID{"local", "regional", "root"}, ids)
	assert.True(t, chain[len(chain)-1].IsRoot())

	root, err := f.hierarchy.Root(f.ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, pricing.CustomerID("root"), root.ID)
}

func TestAncestors_RootIsItsOwnChain(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "root", "")

	chain, err := f.hierarchy.Ancestors(f.ctx, "root")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestAncestors_CycleDetected(t *testing.T) {
	// GIVEN: a -> b -> c -> a written straight to the store
	f := newFixture(t)
	for id, parent := range map[string]string{"a": "b", "b": "c", "c": "a"} {
		require.NoError(t, f.store.SaveCustomer(f.ctx, pricing.Customer{
			ID: pricing.CustomerID(id), Name: id, ParentID: pricing.CustomerID(parent),
		}))
	}

	// WHEN: Walking up from a
	_, err := f.hierarchy.Ancestors(f.ctx, "a")

	// THEN: The walk stops with CycleDetected and reports the path
	require.Error(t, err)
	assert.True(t, errors.Is(err, pricing.ErrCycleDetected))
	assert.Equal(t, pricing.CodeCycleDetected, pricing.ErrorCode(err))
	var herr *pricing.HierarchyError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, []pricing.CustomerID{"a", "b", "c", "a"}, herr.Path)
}

func TestAncestors_DepthExceeded(t *testing.T) {
	// GIVEN: A straight chain of 10 nodes and a resolver limited to 8
	f := newFixture(t)
	f.customer(t, "n0", "")
	for i := 1; i < 10; i++ {
		require.NoError(t, f.store.SaveCustomer(f.ctx, pricing.Customer{
			ID:       pricing.CustomerID(fmt.Sprintf("n%d", i)),
			Name:     "node",
			ParentID: pricing.CustomerID(fmt.Sprintf("n%d", i-1)),
		}))
	}

	// WHEN/THEN: The deepest node exceeds the limit, a shallow one does not
	_, err := f.hierarchy.Ancestors(f.ctx, "n9")
	assert.ErrorIs(t, err, pricing.ErrDepthExceeded)

	chain, err := f.hierarchy.Ancestors(f.ctx, "n7")
	require.NoError(t, err)
	assert.Len(t, chain, 8)
}

func TestAncestors_MissingNode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveCustomer(f.ctx, pricing.Customer{ID: "orphan", Name: "orphan", ParentID: "ghost"}))

	_, err := f.hierarchy.Ancestors(f.ctx, "nobody")
	assert.True(t, pricing.IsNotFound(err))

	_, err = f.hierarchy.Ancestors(f.ctx, "orphan")
	assert.True(t, pricing.IsNotFound(err), "dangling parent is reported as not found")
}

func TestDirectory_RejectsReparentingIntoCycle(t *testing.T) {
	// GIVEN: root -> child
	f := newFixture(t)
	f.customer(t, "root", "")
	f.customer(t, "child", "root")

	// WHEN: Moving root under its own child
	err := f.directory.SaveCustomer(f.ctx, pricing.Customer{ID: "root", Name: "root", ParentID: "child"})

	// THEN: The write is refused and the tree is untouched
	assert.ErrorIs(t, err, pricing.ErrCycleDetected)
	root, err := f.store.GetCustomer(f.ctx, "root")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
}
