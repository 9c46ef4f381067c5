/*
margin.go - Three-tier margin breakdown per user

PURPOSE:

	Computes, on read, the margin a user sees across the customers they act
	for. Nothing here is persisted.

CALCULATION (per payment method / brand / installment band):

	raw        = contracted fee - live snapshot cost
	outbank    = raw * split.Outbank
	executivo  = raw * split.Executivo
	core       = raw - outbank - executivo
	commission = core * effectiveCommission / 100
	marginCore = core - commission

	outbank + executivo + marginCore + commission == raw, exactly.

	Rates are percents at RateScale places. A key present in the snapshot
	but without a contracted fee produces no line.

COMMISSION:

	effectiveCommission is the single nearest-ancestor assignment for the
	user against the line's customer. Commissions configured on the
	customer's descendants are not rolled up into it; the ISO share is
	reduced by that one percent only.

EMPTY RESULT:

	A customer with no live snapshots contributes no lines. A user whose
	customers are all unpriced gets zero totals, not an error.
*/
package pricing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MARGIN SPLIT
// =============================================================================

// MarginSplit holds the tier fractions. They must sum to exactly 1.
type MarginSplit struct {
	Outbank   decimal.Decimal `json:"outbank"`
	Executivo decimal.Decimal `json:"executivo"`
	Core      decimal.Decimal `json:"core"`
}

func DefaultMarginSplit() MarginSplit {
	return MarginSplit{
		Outbank:   MustRate("0.3"),
		Executivo: MustRate("0.2"),
		Core:      MustRate("0.5"),
	}
}

func (s MarginSplit) Validate() error {
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{{"outbank", s.Outbank}, {"executivo", s.Executivo}, {"core", s.Core}} {
		if f.v.IsNegative() || f.v.GreaterThan(one) {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("must be within [0, 1], got %s", f.v)}
		}
	}
	sum := NormalizeRate(s.Outbank).Add(NormalizeRate(s.Executivo)).Add(NormalizeRate(s.Core))
	if !sum.Equal(one) {
		return &ValidationError{Field: "margin_split", Message: fmt.Sprintf("fractions must sum to 1, got %s", sum)}
	}
	return nil
}

func (s MarginSplit) Normalize() MarginSplit {
	return MarginSplit{
		Outbank:   NormalizeRate(s.Outbank),
		Executivo: NormalizeRate(s.Executivo),
		Core:      NormalizeRate(s.Core),
	}
}

// SplitProvider supplies the configured split. The serving layer backs it
// with a cache over the settings store.
type SplitProvider interface {
	MarginSplit(ctx context.Context) (MarginSplit, error)
}

// StaticSplit is a SplitProvider with a fixed value.
type StaticSplit MarginSplit

func (s StaticSplit) MarginSplit(context.Context) (MarginSplit, error) { return MarginSplit(s), nil }

// =============================================================================
// BREAKDOWN TYPES
// =============================================================================

type MarginFigures struct {
	RawMargin       decimal.Decimal `json:"raw_margin"`
	MarginOutbank   decimal.Decimal `json:"margin_outbank"`
	MarginExecutivo decimal.Decimal `json:"margin_executivo"`
	MarginCore      decimal.Decimal `json:"margin_core"`
	Commission      decimal.Decimal `json:"commission"`
}

func zeroFigures() MarginFigures {
	return MarginFigures{
		RawMargin:       decimal.Zero,
		MarginOutbank:   decimal.Zero,
		MarginExecutivo: decimal.Zero,
		MarginCore:      decimal.Zero,
		Commission:      decimal.Zero,
	}
}

func (f MarginFigures) add(o MarginFigures) MarginFigures {
	return MarginFigures{
		RawMargin:       f.RawMargin.Add(o.RawMargin),
		MarginOutbank:   f.MarginOutbank.Add(o.MarginOutbank),
		MarginExecutivo: f.MarginExecutivo.Add(o.MarginExecutivo),
		MarginCore:      f.MarginCore.Add(o.MarginCore),
		Commission:      f.Commission.Add(o.Commission),
	}
}

type MarginLine struct {
	CustomerID    CustomerID      `json:"customer_id"`
	PricingLinkID PricingLinkID   `json:"pricing_link_id"`
	SupplierID    SupplierID      `json:"supplier_id"`
	RateKey       RateKey         `json:"key"`
	SupplierCost  decimal.Decimal `json:"supplier_cost"`
	ContractedFee decimal.Decimal `json:"contracted_fee"`
	MarginFigures
}

type CustomerCommission struct {
	CustomerID CustomerID `json:"customer_id"`
	EffectiveCommission
}

type MarginBreakdown struct {
	UserID      UserID               `json:"user_id"`
	Split       MarginSplit          `json:"split"`
	Lines       []MarginLine         `json:"lines"`
	Totals      MarginFigures        `json:"totals"`
	Commissions []CustomerCommission `json:"commissions"`
}

// =============================================================================
// CALCULATOR
// =============================================================================

// MarginReader is the read surface the calculator needs.
type MarginReader interface {
	UserStore
	PricingLinkStore
	RateStore
	SnapshotStore
}

type MarginCalculator struct {
	Store       MarginReader
	Commissions *CommissionResolver
	Split       SplitProvider
}

func NewMarginCalculator(store MarginReader, commissions *CommissionResolver, split SplitProvider) *MarginCalculator {
	return &MarginCalculator{Store: store, Commissions: commissions, Split: split}
}

// Compute builds the breakdown for every customer the user acts for.
func (m *MarginCalculator) Compute(ctx context.Context, userID UserID) (MarginBreakdown, error) {
	if userID == "" {
		return MarginBreakdown{}, &ValidationError{Field: "user_id", Message: "required"}
	}
	customers, err := m.Store.ListUserCustomers(ctx, userID)
	if err != nil {
		return MarginBreakdown{}, Downstream("list user customers", err)
	}
	if len(customers) == 0 {
		return MarginBreakdown{}, &NotFoundError{Kind: "user", ID: string(userID)}
	}

	split := DefaultMarginSplit()
	if m.Split != nil {
		if split, err = m.Split.MarginSplit(ctx); err != nil {
			return MarginBreakdown{}, Downstream("load margin split", err)
		}
	}
	if err := split.Validate(); err != nil {
		return MarginBreakdown{}, err
	}
	split = split.Normalize()

	out := MarginBreakdown{
		UserID: userID,
		Split:  split,
		Lines:  []MarginLine{},
		Totals: zeroFigures(),
	}
	commissions := newCommissionCache(m.Commissions, userID)

	sort.Slice(customers, func(i, j int) bool { return customers[i] < customers[j] })
	for _, customerID := range customers {
		lines, ec, err := m.customerLines(ctx, customerID, split, commissions)
		if err != nil {
			return MarginBreakdown{}, err
		}
		if len(lines) == 0 {
			continue
		}
		out.Commissions = append(out.Commissions, CustomerCommission{CustomerID: customerID, EffectiveCommission: ec})
		for _, l := range lines {
			out.Totals = out.Totals.add(l.MarginFigures)
		}
		out.Lines = append(out.Lines, lines...)
	}
	return out, nil
}

// customerLines also returns the commission applied to the lines. It is
// resolved only once a line exists.
func (m *MarginCalculator) customerLines(ctx context.Context, customerID CustomerID, split MarginSplit, commissions *commissionCache) ([]MarginLine, EffectiveCommission, error) {
	var ec EffectiveCommission
	links, err := m.Store.ListPricingLinks(ctx, LinkFilter{CustomerID: customerID, Status: LinkValidada})
	if err != nil {
		return nil, ec, Downstream("list pricing links", err)
	}
	if len(links) == 0 {
		return nil, ec, nil
	}
	feeRows, err := m.Store.ListContractedFees(ctx, customerID)
	if err != nil {
		return nil, ec, Downstream("list contracted fees", err)
	}
	fees := make(map[RateKey]decimal.Decimal, len(feeRows))
	for _, f := range feeRows {
		fees[f.RateKey] = NormalizeRate(f.Rate)
	}

	var lines []MarginLine
	for _, link := range links {
		snaps, err := m.Store.ListLiveSnapshots(ctx, link.ID)
		if err != nil {
			return nil, ec, Downstream("list live snapshots", err)
		}
		for _, s := range snaps {
			fee, ok := fees[s.RateKey]
			if !ok {
				continue
			}
			if len(lines) == 0 {
				if ec, err = commissions.get(ctx, customerID); err != nil {
					return nil, ec, err
				}
			}
			lines = append(lines, MarginLine{
				CustomerID:    customerID,
				PricingLinkID: link.ID,
				SupplierID:    link.SupplierID,
				RateKey:       s.RateKey,
				SupplierCost:  s.CostRate,
				ContractedFee: fee,
				MarginFigures: SplitMargin(fee.Sub(s.CostRate), split, ec.Percent),
			})
		}
	}
	return lines, ec, nil
}

// SplitMargin divides a raw margin into the three tiers and takes the
// commission out of the core tier.
func SplitMargin(raw decimal.Decimal, split MarginSplit, commissionPercent decimal.Decimal) MarginFigures {
	raw = NormalizeRate(raw)
	outbank := NormalizeRate(raw.Mul(split.Outbank))
	executivo := NormalizeRate(raw.Mul(split.Executivo))
	core := raw.Sub(outbank).Sub(executivo)
	commission := NormalizeRate(core.Mul(commissionPercent).Div(hundred))
	return MarginFigures{
		RawMargin:       raw,
		MarginOutbank:   outbank,
		MarginExecutivo: executivo,
		MarginCore:      core.Sub(commission),
		Commission:      commission,
	}
}
