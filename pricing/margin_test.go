package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

func (f *fixture) calculator() *pricing.MarginCalculator {
	return pricing.NewMarginCalculator(f.store, f.resolver, pricing.StaticSplit(pricing.DefaultMarginSplit()))
}

func TestMargin_NoSnapshotsIsAllZeros(t *testing.T) {
	// GIVEN: A user on a customer that has no validated link yet
	f := newFixture(t)
	f.customer(t, "iso", "")
	require.NoError(t, f.directory.AssignUser(f.ctx, "user-1", "iso"))
	_, err := f.approver.Create(f.ctx, "iso", "supplier-cielo", false)
	require.NoError(t, err)

	// WHEN: Computing the breakdown
	b, err := f.calculator().Compute(f.ctx, "user-1")

	// THEN: Zeros, not an error
	require.NoError(t, err)
	assert.Empty(t, b.Lines)
	assert.True(t, b.Totals.RawMargin.IsZero())
	assert.True(t, b.Totals.MarginOutbank.IsZero())
	assert.True(t, b.Totals.MarginExecutivo.IsZero())
	assert.True(t, b.Totals.MarginCore.IsZero())
	assert.True(t, b.Totals.Commission.IsZero())
}

func TestMargin_SplitAndCommission(t *testing.T) {
	// GIVEN: root (10%) -> iso, fee 3.00 over cost 2.00 on credito/visa/1
	f := newFixture(t)
	f.customer(t, "root", "")
	f.customer(t, "iso", "root")
	f.commission(t, "root", "gold", "10")
	require.NoError(t, f.directory.AssignUser(f.ctx, "user-1", "iso"))
	f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false,
		rate(pricing.MethodCredito, "visa", "1", "2.00"),
		rate(pricing.MethodDebito, "visa", "1", "1.00"), // no contracted fee: no line
	)
	require.NoError(t, f.directory.SetContractedFees(f.ctx, "iso", []pricing.RateEntry{
		rate(pricing.MethodCredito, "visa", "1", "3.00"),
	}))

	// WHEN: Computing with the 0.3/0.2/0.5 split
	b, err := f.calculator().Compute(f.ctx, "user-1")

	// THEN: raw 1.00 -> outbank 0.30, executivo 0.20, core 0.50 of which 10% is commission
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	line := b.Lines[0]
	assert.Equal(t, "1", line.RawMargin.String())
	assert.Equal(t, "0.3", line.MarginOutbank.String())
	assert.Equal(t, "0.2", line.MarginExecutivo.String())
	assert.Equal(t, "0.05", line.Commission.String())
	assert.Equal(t, "0.45", line.MarginCore.String())
	assert.True(t, b.Totals.RawMargin.Equal(line.RawMargin))

	require.Len(t, b.Commissions, 1)
	assert.Equal(t, pricing.CustomerID("root"), b.Commissions[0].SourceCustomerID)
}

func TestMargin_ReadsSnapshotNotLiveRateTable(t *testing.T) {
	// GIVEN: A priced link whose supplier table is edited after approval
	f := newFixture(t)
	f.customer(t, "iso", "")
	require.NoError(t, f.directory.AssignUser(f.ctx, "user-1", "iso"))
	link := f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, rate(pricing.MethodPix, "pix", "1", "0.50"))
	require.NoError(t, f.directory.SetContractedFees(f.ctx, "iso", []pricing.RateEntry{rate(pricing.MethodPix, "pix", "1", "0.99")}))
	require.NoError(t, f.store.SaveSupplierRates(f.ctx, link.ID, []pricing.RateEntry{rate(pricing.MethodPix, "pix", "1", "0.80")}))

	// WHEN/THEN: The margin uses the frozen cost until regeneration
	b, err := f.calculator().Compute(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "0.49", b.Totals.RawMargin.String())

	_, err = f.snapshots.Regenerate(f.ctx, link.ID)
	require.NoError(t, err)
	b, err = f.calculator().Compute(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "0.19", b.Totals.RawMargin.String())
}

func TestMargin_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.calculator().Compute(f.ctx, "")
	assert.ErrorIs(t, err, pricing.ErrValidation)

	_, err = f.calculator().Compute(f.ctx, "nobody")
	assert.ErrorIs(t, err, pricing.ErrNotFound)
}

type failingSplit struct{}

func (failingSplit) MarginSplit(context.Context) (pricing.MarginSplit, error) {
	return pricing.MarginSplit{}, errors.New("redis: connection refused")
}

func TestMargin_SplitUnavailable(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	require.NoError(t, f.directory.AssignUser(f.ctx, "user-1", "iso"))

	_, err := pricing.NewMarginCalculator(f.store, f.resolver, failingSplit{}).Compute(f.ctx, "user-1")
	assert.ErrorIs(t, err, pricing.ErrDownstreamUnavailable)
}

type failingCommissions struct{}

func (failingCommissions) GetCommissionAssignment(context.Context, pricing.CustomerID) (*pricing.CommissionAssignment, error) {
	return nil, errors.New("sql: database is closed")
}

func TestMargin_CommissionLookupFailure(t *testing.T) {
	// GIVEN: A priced customer whose commission lookup fails
	f := newFixture(t)
	f.customer(t, "iso", "")
	require.NoError(t, f.directory.AssignUser(f.ctx, "user-1", "iso"))
	f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, rate(pricing.MethodPix, "pix", "1", "0.50"))
	require.NoError(t, f.directory.SetContractedFees(f.ctx, "iso", []pricing.RateEntry{rate(pricing.MethodPix, "pix", "1", "0.99")}))
	resolver := pricing.NewCommissionResolver(f.hierarchy, failingCommissions{})

	// WHEN: Computing the breakdown
	b, err := pricing.NewMarginCalculator(f.store, resolver, pricing.StaticSplit(pricing.DefaultMarginSplit())).Compute(f.ctx, "user-1")

	// THEN: The failure surfaces instead of a zero commission
	assert.ErrorIs(t, err, pricing.ErrDownstreamUnavailable)
	assert.Empty(t, b.Lines)
	assert.Empty(t, b.Commissions)
}

func TestSplitMargin_TiersSumToRaw(t *testing.T) {
	split := pricing.MarginSplit{
		Outbank:   pricing.MustRate("0.3333"),
		Executivo: pricing.MustRate("0.3333"),
		Core:      pricing.MustRate("0.3334"),
	}
	require.NoError(t, split.Validate())

	for _, raw := range []string{"0.0001", "0.4567", "1.2345", "-0.3000", "7"} {
		for _, p := range []string{"0", "12.5", "33.3333", "100"} {
			fig := pricing.SplitMargin(pricing.MustRate(raw), split, pricing.MustRate(p))
			sum := fig.MarginOutbank.Add(fig.MarginExecutivo).Add(fig.MarginCore).Add(fig.Commission)
			assert.True(t, sum.Equal(fig.RawMargin), "raw=%s p=%s sum=%s", raw, p, sum)
		}
	}
}

func TestMarginSplit_Validate(t *testing.T) {
	assert.NoError(t, pricing.DefaultMarginSplit().Validate())

	bad := pricing.MarginSplit{Outbank: decimal.NewFromFloat(0.5), Executivo: decimal.NewFromFloat(0.5), Core: decimal.NewFromFloat(0.1)}
	assert.ErrorIs(t, bad.Validate(), pricing.ErrValidation)

	negative := pricing.MarginSplit{Outbank: decimal.NewFromInt(-1), Executivo: decimal.NewFromInt(1), Core: decimal.NewFromInt(1)}
	assert.ErrorIs(t, negative.Validate(), pricing.ErrValidation)
}
