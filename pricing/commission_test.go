package pricing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

func TestResolveCommission_InheritedThenOverridden(t *testing.T) {
	// GIVEN: A (root, 10%) -> B (no override), user U assigned to B
	f := newFixture(t)
	f.customer(t, "A", "")
	f.customer(t, "B", "A")
	f.commission(t, "A", "gold", "10")
	require.NoError(t, f.directory.AssignUser(f.ctx, "U", "B"))

	// WHEN: Resolving U against B
	ec, err := f.resolver.Resolve(f.ctx, "U", "B")

	// THEN: 10% inherited from A
	require.NoError(t, err)
	assert.True(t, ec.Percent.Equal(pricing.MustRate("10")))
	assert.Equal(t, pricing.CustomerID("A"), ec.SourceCustomerID)
	assert.True(t, ec.Inherited)
	require.NotNil(t, ec.CategoryType)
	assert.Equal(t, "gold", *ec.CategoryType)

	// WHEN: B gets its own 5% override
	f.commission(t, "B", "silver", "5")

	// THEN: U sees 5% on B, A still resolves to its own 10%
	ec, err = f.resolver.Resolve(f.ctx, "U", "B")
	require.NoError(t, err)
	assert.True(t, ec.Percent.Equal(pricing.MustRate("5")))
	assert.False(t, ec.Inherited)

	ecA, err := f.resolver.Resolve(f.ctx, "U", "A")
	require.NoError(t, err)
	assert.True(t, ecA.Percent.Equal(pricing.MustRate("10")))
}

func TestResolveCommission_OverrideDoesNotLeakToSiblings(t *testing.T) {
	// GIVEN: root (7.5%) with children left and right
	f := newFixture(t)
	f.customer(t, "root", "")
	f.customer(t, "left", "root")
	f.customer(t, "right", "root")
	f.customer(t, "right-leaf", "right")
	f.commission(t, "root", "base", "7.5")

	// WHEN: left is overridden
	f.commission(t, "left", "promo", "2")

	// THEN: right and its descendants keep the root value
	for _, id := range []pricing.CustomerID{"right", "right-leaf"} {
		ec, err := f.resolver.Resolve(f.ctx, "user-1", id)
		require.NoError(t, err)
		assert.True(t, ec.Percent.Equal(pricing.MustRate("7.5")), "customer %s", id)
	}

	// WHEN: the override is cleared, left inherits again
	require.NoError(t, f.directory.ClearCommission(f.ctx, "left"))
	ec, err := f.resolver.Resolve(f.ctx, "user-1", "left")
	require.NoError(t, err)
	assert.True(t, ec.Percent.Equal(pricing.MustRate("7.5")))
}

func TestResolveCommission_DefaultWhenNothingConfigured(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "root", "")
	f.customer(t, "child", "root")

	ec, err := f.resolver.Resolve(f.ctx, "user-1", "child")
	require.NoError(t, err)
	assert.Nil(t, ec.CategoryType)
	assert.True(t, ec.Percent.IsZero())
	assert.Empty(t, ec.SourceCustomerID)
}

func TestResolveCommission_Errors(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "root", "")

	_, err := f.resolver.Resolve(f.ctx, "", "root")
	assert.ErrorIs(t, err, pricing.ErrValidation)

	_, err = f.resolver.Resolve(f.ctx, "user-1", "missing")
	assert.ErrorIs(t, err, pricing.ErrNotFound)
}

func TestSetCommission_RejectsOutOfRangePercent(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "root", "")

	for _, p := range []string{"-1", "100.0001", "250"} {
		err := f.directory.SetCommission(f.ctx, pricing.CommissionAssignment{
			CustomerID:        "root",
			CategoryType:      "x",
			CommissionPercent: pricing.MustRate(p),
		})
		assert.ErrorIs(t, err, pricing.ErrValidation, "percent %s", p)
	}

	a, err := f.store.GetCommissionAssignment(f.ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, a, "nothing was persisted")
}
