/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario builds a reseller tree, commission
	overrides, pricing links with supplier cost tables, contracted fees and
	transaction feed rows through the same pricing components the API uses.

AVAILABLE SCENARIOS:

	iso-network:        Four-level tree with inherited and overridden
	                    commissions, three validated links and last month's
	                    transactions ready for margin and settlement
	expiring-contracts: Links at every lifecycle stage (30-day window,
	                    7-day window, expired with and without auto-renew)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create customers via Directory (cycle and depth checks apply)
 3. Set commission overrides and contracted fees
 4. Create and approve pricing links (writes snapshot generation 1)
 5. Record feed rows for the previous month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "iso-network"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/iso-pricing/cache"
	"github.com/warp/iso-pricing/pricing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "iso-network",
		Name:        "ISO Network",
		Description: "Outbank > regional ISO > city ISO > store, inherited commissions, two suppliers, last month's transactions",
	},
	{
		ID:          "expiring-contracts",
		Name:        "Expiring Contracts",
		Description: "Pricing links inside the 30-day and 7-day windows and past their end, with and without auto-renew",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "iso-network":
		load = h.loadISONetworkScenario
	case "expiring-contracts":
		load = h.loadExpiringContractsScenario
	default:
		h.writeError(w, r, "Unknown scenario", &pricing.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", req.ScenarioID)})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeError(w, r, "Failed to reset database", pricing.Downstream("reset", err))
		return
	}
	h.currentScenario = ""
	if err := h.Settings.Invalidate(ctx, cache.SettingsTag); err != nil {
		h.Log.WithError(err).Warn("settings cache invalidation failed")
	}

	if err := load(ctx); err != nil {
		h.writeError(w, r, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeError(w, r, "Failed to reset database", pricing.Downstream("reset", err))
		return
	}
	h.currentScenario = ""
	if err := h.Settings.Invalidate(r.Context(), cache.SettingsTag); err != nil {
		h.Log.WithError(err).Warn("settings cache invalidation failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO: ISO NETWORK
// =============================================================================

func (h *Handler) loadISONetworkScenario(ctx context.Context) error {
	now := h.now()

	tree := []pricing.Customer{
		{ID: "outbank", Name: "Outbank Pagamentos", Active: true},
		{ID: "iso-sul", Name: "ISO Sul", ParentID: "outbank", Active: true},
		{ID: "iso-sul-poa", Name: "ISO Porto Alegre", ParentID: "iso-sul", Active: true},
		{ID: "iso-sul-poa-centro", Name: "Loja Centro POA", ParentID: "iso-sul-poa", Active: true},
		{ID: "iso-norte", Name: "ISO Norte", ParentID: "outbank", Active: true},
	}
	for _, c := range tree {
		if err := h.Directory.SaveCustomer(ctx, c); err != nil {
			return fmt.Errorf("customer %s: %w", c.ID, err)
		}
	}

	overrides := []pricing.CommissionAssignment{
		{CustomerID: "iso-sul", CategoryType: "iso", CommissionPercent: pricing.MustRate("10")},
		{CustomerID: "iso-sul-poa-centro", CategoryType: "loja", CommissionPercent: pricing.MustRate("15")},
	}
	for _, a := range overrides {
		if err := h.Directory.SetCommission(ctx, a); err != nil {
			return fmt.Errorf("commission %s: %w", a.CustomerID, err)
		}
	}

	for _, pair := range [][2]pricing.CustomerID{{"iso-sul-poa", "exec-ana"}, {"iso-norte", "exec-ana"}, {"iso-sul-poa-centro", "exec-bruno"}} {
		if err := h.Directory.AssignUser(ctx, pricing.UserID(pair[1]), pair[0]); err != nil {
			return fmt.Errorf("user %s: %w", pair[1], err)
		}
	}

	fees := []pricing.RateEntry{
		demoRate(pricing.MethodCredito, "visa", "1", "2.99"),
		demoRate(pricing.MethodCredito, "visa", "2-6", "3.49"),
		demoRate(pricing.MethodCredito, "master", "1", "2.99"),
		demoRate(pricing.MethodDebito, "visa", "1", "1.59"),
		demoRate(pricing.MethodPix, "pix", "1", "0.99"),
	}
	for _, id := range []pricing.CustomerID{"iso-sul-poa", "iso-sul-poa-centro", "iso-norte"} {
		if err := h.Directory.SetContractedFees(ctx, id, fees); err != nil {
			return fmt.Errorf("fees %s: %w", id, err)
		}
	}

	links := []struct {
		customer pricing.CustomerID
		supplier pricing.SupplierID
		rates    []pricing.RateEntry
	}{
		{"iso-sul-poa", "cielo", []pricing.RateEntry{
			demoRate(pricing.MethodCredito, "visa", "1", "1.89"),
			demoRate(pricing.MethodCredito, "visa", "2-6", "2.29"),
			demoRate(pricing.MethodCredito, "master", "1", "1.92"),
			demoRate(pricing.MethodDebito, "visa", "1", "0.89"),
			demoRate(pricing.MethodPix, "pix", "1", "0.45"),
		}},
		{"iso-sul-poa-centro", "stone", []pricing.RateEntry{
			demoRate(pricing.MethodCredito, "visa", "1", "1.79"),
			demoRate(pricing.MethodDebito, "visa", "1", "0.85"),
		}},
		{"iso-norte", "rede", []pricing.RateEntry{
			demoRate(pricing.MethodCredito, "visa", "1", "1.95"),
			demoRate(pricing.MethodCredito, "master", "1", "1.95"),
			demoRate(pricing.MethodPix, "pix", "1", "0.50"),
		}},
	}
	for _, l := range links {
		if _, err := h.approvedLink(ctx, l.customer, l.supplier, true, l.rates, now.AddDate(0, -6, 0), now.AddDate(0, 6, 0)); err != nil {
			return err
		}
	}

	month, year := pricing.PreviousMonth(now)
	start := time.Date(year, time.Month(month), 1, 12, 0, 0, 0, time.UTC)
	var rows []pricing.FeedRow
	for _, c := range []struct {
		id         pricing.CustomerID
		count      int
		amount     string
		fee        string
		cost       string
		commission string
	}{
		{"iso-sul-poa", 12, "250.00", "7.48", "4.73", "0.28"},
		{"iso-sul-poa-centro", 8, "120.00", "3.59", "2.15", "0.22"},
		{"iso-norte", 5, "89.90", "2.69", "1.75", "0.00"},
	} {
		for i := 0; i < c.count; i++ {
			rows = append(rows, pricing.FeedRow{
				TransactionID:    fmt.Sprintf("tx-%s-%02d", c.id, i+1),
				CustomerID:       c.id,
				OccurredAt:       start.AddDate(0, 0, i%27),
				Amount:           pricing.MustRate(c.amount),
				FeeAmount:        pricing.MustRate(c.fee),
				CostAmount:       pricing.MustRate(c.cost),
				CommissionAmount: pricing.MustRate(c.commission),
			})
		}
	}
	if err := h.Store.RecordTransactions(ctx, rows); err != nil {
		return pricing.Downstream("record transactions", err)
	}
	return nil
}

// =============================================================================
// SCENARIO: EXPIRING CONTRACTS
// =============================================================================

func (h *Handler) loadExpiringContractsScenario(ctx context.Context) error {
	now := h.now()
	day := 24 * time.Hour

	if err := h.Directory.SaveCustomer(ctx, pricing.Customer{ID: "iso-centro", Name: "ISO Centro-Oeste", Active: true}); err != nil {
		return err
	}
	if err := h.Directory.AssignUser(ctx, "exec-carla", "iso-centro"); err != nil {
		return err
	}

	rates := []pricing.RateEntry{
		demoRate(pricing.MethodCredito, "visa", "1", "1.99"),
		demoRate(pricing.MethodDebito, "visa", "1", "0.95"),
	}
	from := now.AddDate(-1, 0, 0)
	stages := []struct {
		supplier  pricing.SupplierID
		until     time.Time
		autoRenew bool
	}{
		{"cielo", now.Add(20 * day), false},
		{"stone", now.Add(5 * day), false},
		{"rede", now.Add(-1 * day), true},
		{"getnet", now.Add(-1 * day), false},
		{"safrapay", now.Add(200 * day), true},
	}
	for _, s := range stages {
		if _, err := h.approvedLink(ctx, "iso-centro", s.supplier, s.autoRenew, rates, from, s.until); err != nil {
			return err
		}
	}

	// Awaiting approval; the lifecycle monitor ignores it.
	if _, err := h.Approver.Create(ctx, "iso-centro", "pagseguro", true); err != nil {
		return err
	}
	return nil
}

func (h *Handler) approvedLink(ctx context.Context, customer pricing.CustomerID, supplier pricing.SupplierID, autoRenew bool, rates []pricing.RateEntry, from, until time.Time) (pricing.PricingLink, error) {
	link, err := h.Approver.Create(ctx, customer, supplier, autoRenew)
	if err != nil {
		return pricing.PricingLink{}, fmt.Errorf("link %s/%s: %w", customer, supplier, err)
	}
	link, _, err = h.Approver.Approve(ctx, link.ID, pricing.ApprovalInput{
		Rates:      rates,
		ValidFrom:  from,
		ValidUntil: until,
	})
	if err != nil {
		return pricing.PricingLink{}, fmt.Errorf("approve %s/%s: %w", customer, supplier, err)
	}
	return link, nil
}

func demoRate(method pricing.PaymentMethod, brand, band, value string) pricing.RateEntry {
	return pricing.RateEntry{
		RateKey: pricing.RateKey{Method: method, Brand: brand, Band: pricing.InstallmentBand(band)},
		Rate:    pricing.MustRate(value),
	}
}
