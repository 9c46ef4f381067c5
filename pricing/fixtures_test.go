package pricing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
	"github.com/warp/iso-pricing/pricing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx        context.Context
	store      *store.Memory
	hierarchy  *pricing.HierarchyResolver
	resolver   *pricing.CommissionResolver
	snapshots  *pricing.SnapshotGenerator
	directory  *pricing.Directory
	approver   *pricing.LinkApprover
	dispatcher *recordingDispatcher
	monitor    *pricing.LifecycleMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	h := pricing.NewHierarchyResolver(s, 8)
	snaps := pricing.NewSnapshotGenerator(s, nil)
	snaps.Now = func() time.Time { return testNow }
	d := &recordingDispatcher{}
	approver := pricing.NewLinkApprover(s, snaps, 12, nil)
	approver.Now = func() time.Time { return testNow }
	dir := pricing.NewDirectory(s, h)
	dir.Now = func() time.Time { return testNow }
	return &fixture{
		ctx:        context.Background(),
		store:      s,
		hierarchy:  h,
		resolver:   pricing.NewCommissionResolver(h, s),
		snapshots:  snaps,
		directory:  dir,
		approver:   approver,
		dispatcher: d,
		monitor:    pricing.NewLifecycleMonitor(s, snaps, d, 12, nil),
	}
}

func rate(method pricing.PaymentMethod, brand, band, value string) pricing.RateEntry {
	return pricing.RateEntry{
		RateKey: pricing.RateKey{Method: method, Brand: brand, Band: pricing.InstallmentBand(band)},
		Rate:    pricing.MustRate(value),
	}
}

func (f *fixture) customer(t *testing.T, id, parent string) {
	t.Helper()
	require.NoError(t, f.directory.SaveCustomer(f.ctx, pricing.Customer{
		ID:       pricing.CustomerID(id),
		Name:     "ISO " + id,
		ParentID: pricing.CustomerID(parent),
		Active:   true,
	}))
}

func (f *fixture) commission(t *testing.T, id, category, percent string) {
	t.Helper()
	require.NoError(t, f.directory.SetCommission(f.ctx, pricing.CommissionAssignment{
		CustomerID:        pricing.CustomerID(id),
		CategoryType:      category,
		CommissionPercent: pricing.MustRate(percent),
	}))
}

// validLink creates a pendente link and approves it with the given rates.
func (f *fixture) validLink(t *testing.T, customer string, until time.Time, autoRenew bool, rates ...pricing.RateEntry) pricing.PricingLink {
	t.Helper()
	link, err := f.approver.Create(f.ctx, pricing.CustomerID(customer), "supplier-cielo", autoRenew)
	require.NoError(t, err)
	link, _, err = f.approver.Approve(f.ctx, link.ID, pricing.ApprovalInput{
		Rates:      rates,
		ValidFrom:  until.AddDate(-1, 0, 0),
		ValidUntil: until,
	})
	require.NoError(t, err)
	return link
}

// linkWithoutRates saves a validada link directly, bypassing approval.
func (f *fixture) linkWithoutRates(t *testing.T, id, customer string) pricing.PricingLink {
	t.Helper()
	link := pricing.PricingLink{
		ID:         pricing.PricingLinkID(id),
		CustomerID: pricing.CustomerID(customer),
		SupplierID: "supplier-rede",
		Status:     pricing.LinkValidada,
		ValidFrom:  testNow.AddDate(-1, 0, 0),
		ValidUntil: testNow.AddDate(1, 0, 0),
	}
	require.NoError(t, f.store.SavePricingLink(f.ctx, link))
	return link
}

type sent struct {
	CustomerID pricing.CustomerID
	Kind       pricing.NotificationKind
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sent
	fail bool
}

func (d *recordingDispatcher) Send(_ context.Context, customerID pricing.CustomerID, kind pricing.NotificationKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sent{customerID, kind})
	if d.fail {
		return errors.New("smtp relay unavailable")
	}
	return nil
}

func (d *recordingDispatcher) count(kind pricing.NotificationKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
