/*
Package factory provides JSON to Go rate-table conversion.

PURPOSE:

	Converts the JSON documents the admin portal submits into
	pricing.RateEntry tables and pricing.ApprovalInput values. Supplier cost
	tables (approval workflow) and contracted merchant fee tables share the
	same format.

JSON SCHEMA:

	Either a flat list:

	[
	  {"method": "credito", "brand": "visa", "band": "1", "rate": "2.15"},
	  {"method": "pix", "brand": "pix", "band": "1", "rate": 0.99}
	]

	or the grid the portal exports, method -> brand -> band -> rate:

	{
	  "credito": {"visa": {"1": "2.15", "2-6": "2.49"}, "master": {"1": "2.10"}},
	  "debito":  {"visa": {"1": "1.10"}}
	}

	Rates are percents. Strings and numbers are both accepted; strings are
	preferred since they keep the exact decimal.

	An approval wraps a table with the validity window:

	{
	  "rates": [...] or {...},
	  "valid_from": "2026-01-01T00:00:00Z",
	  "valid_until": "2027-01-01T00:00:00Z",
	  "auto_renew": true
	}

KEY FEATURES:
  - Validates every entry (method, brand, band, percent range, duplicates)
  - Normalizes rates to four decimal places and sorts by key
  - Round-trips through ToJSON

USAGE:

	f := factory.NewRateFactory()
	rates, err := f.ParseRateTable(body)
	in, err := f.ParseApproval(body)
	link, version, err := approver.Approve(ctx, linkID, in)

SEE ALSO:
  - pricing/rates.go: ValidateRateTable and NormalizeRateTable
  - pricing/approval.go: the approval action consuming ApprovalInput
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/iso-pricing/pricing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RateJSON is one entry of a flat rate table.
type RateJSON struct {
	Method string          `json:"method"`
	Brand  string          `json:"brand"`
	Band   string          `json:"band"`
	Rate   decimal.Decimal `json:"rate"`
}

// RateGridJSON is the method -> brand -> band -> rate layout.
type RateGridJSON map[string]map[string]map[string]decimal.Decimal

// ApprovalJSON is the body of a pricing-link approval.
type ApprovalJSON struct {
	Rates      json.RawMessage `json:"rates"`
	ValidFrom  *time.Time      `json:"valid_from,omitempty"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
	AutoRenew  *bool           `json:"auto_renew,omitempty"`
}

// =============================================================================
// RATE FACTORY
// =============================================================================

// RateFactory converts JSON rate tables to pricing types.
type RateFactory struct{}

// NewRateFactory creates a new rate factory.
func NewRateFactory() *RateFactory {
	return &RateFactory{}
}

// ParseRateTable parses either JSON layout into a validated, normalized table.
func (f *RateFactory) ParseRateTable(data []byte) ([]pricing.RateEntry, error) {
	rates, err := f.decode("rates", data)
	if err != nil {
		return nil, err
	}
	if err := pricing.ValidateRateTable("rates", rates); err != nil {
		return nil, err
	}
	return pricing.NormalizeRateTable(rates), nil
}

// ParseApproval parses an approval body. The window stays zero when
// omitted so the approver applies its defaults.
func (f *RateFactory) ParseApproval(data []byte) (pricing.ApprovalInput, error) {
	var aj ApprovalJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return pricing.ApprovalInput{}, &pricing.ValidationError{Field: "body", Message: err.Error()}
	}
	rates, err := f.ParseRateTable(aj.Rates)
	if err != nil {
		return pricing.ApprovalInput{}, err
	}

	in := pricing.ApprovalInput{Rates: rates, AutoRenew: aj.AutoRenew}
	if aj.ValidFrom != nil {
		in.ValidFrom = aj.ValidFrom.UTC()
	}
	if aj.ValidUntil != nil {
		in.ValidUntil = aj.ValidUntil.UTC()
	}
	if !in.ValidFrom.IsZero() && !in.ValidUntil.IsZero() && !in.ValidUntil.After(in.ValidFrom) {
		return pricing.ApprovalInput{}, &pricing.ValidationError{
			Field:   "valid_until",
			Message: "must be after valid_from",
		}
	}
	return in, nil
}

func (f *RateFactory) decode(field string, data []byte) ([]pricing.RateEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, &pricing.ValidationError{Field: field, Message: "rate table is required"}
	}

	switch data[0] {
	case '[':
		var list []RateJSON
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, &pricing.ValidationError{Field: field, Message: fmt.Sprintf("bad rate list: %v", err)}
		}
		out := make([]pricing.RateEntry, len(list))
		for i, r := range list {
			out[i] = entry(r.Method, r.Brand, r.Band, r.Rate)
		}
		return out, nil
	case '{':
		var grid RateGridJSON
		if err := json.Unmarshal(data, &grid); err != nil {
			return nil, &pricing.ValidationError{Field: field, Message: fmt.Sprintf("bad rate grid: %v", err)}
		}
		var out []pricing.RateEntry
		for method, brands := range grid {
			for brand, bands := range brands {
				for band, rate := range bands {
					out = append(out, entry(method, brand, band, rate))
				}
			}
		}
		// Map iteration order is random; duplicates cannot occur in a grid.
		sort.Slice(out, func(i, j int) bool { return out[i].RateKey.Less(out[j].RateKey) })
		return out, nil
	default:
		return nil, &pricing.ValidationError{Field: field, Message: "expected a JSON list or object"}
	}
}

func entry(method, brand, band string, rate decimal.Decimal) pricing.RateEntry {
	return pricing.RateEntry{
		RateKey: pricing.RateKey{
			Method: pricing.PaymentMethod(method),
			Brand:  brand,
			Band:   pricing.InstallmentBand(band),
		},
		Rate: rate,
	}
}

// ToJSON converts a table to the flat layout.
func (f *RateFactory) ToJSON(rates []pricing.RateEntry) []RateJSON {
	out := make([]RateJSON, len(rates))
	for i, r := range rates {
		out[i] = RateJSON{
			Method: string(r.Method),
			Brand:  r.Brand,
			Band:   string(r.Band),
			Rate:   r.Rate,
		}
	}
	return out
}

// ToGrid converts a table to the grid layout.
func (f *RateFactory) ToGrid(rates []pricing.RateEntry) RateGridJSON {
	grid := make(RateGridJSON)
	for _, r := range rates {
		brands, ok := grid[string(r.Method)]
		if !ok {
			brands = make(map[string]map[string]decimal.Decimal)
			grid[string(r.Method)] = brands
		}
		bands, ok := brands[r.Brand]
		if !ok {
			bands = make(map[string]decimal.Decimal)
			brands[r.Brand] = bands
		}
		bands[string(r.Band)] = r.Rate
	}
	return grid
}
