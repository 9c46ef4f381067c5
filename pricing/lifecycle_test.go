package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

const day = 24 * time.Hour

func TestEvaluate_Transitions(t *testing.T) {
	base := pricing.PricingLink{Status: pricing.LinkValidada, ValidUntil: testNow.Add(60 * day)}

	tests := []struct {
		name string
		edit func(*pricing.PricingLink)
		want pricing.Transition
	}{
		{"far from expiry", func(l *pricing.PricingLink) {}, pricing.TransitionNone},
		{"inside 30 days", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(25 * day) }, pricing.TransitionNotify30},
		{"exactly 30 days", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(30 * day) }, pricing.TransitionNotify30},
		{"30 already sent", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(25 * day); l.Notified30d = true }, pricing.TransitionNone},
		{"inside 7 days", func(l *pricing.PricingLink) {
			l.ValidUntil = testNow.Add(5 * day)
			l.Notified30d = true
		}, pricing.TransitionNotify7},
		{"first seen inside 7 days", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(5 * day) }, pricing.TransitionNotify7},
		{"both sent", func(l *pricing.PricingLink) {
			l.ValidUntil = testNow.Add(5 * day)
			l.Notified30d, l.Notified7d = true, true
		}, pricing.TransitionNone},
		{"expiry instant is still active", func(l *pricing.PricingLink) {
			l.ValidUntil = testNow
			l.Notified30d, l.Notified7d = true, true
		}, pricing.TransitionNone},
		{"past, no renew", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(-day) }, pricing.TransitionExpire},
		{"past, auto renew", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(-day); l.AutoRenew = true }, pricing.TransitionRenew},
		{"not validada", func(l *pricing.PricingLink) { l.ValidUntil = testNow.Add(-day); l.Status = pricing.LinkExpirada }, pricing.TransitionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := base
			tt.edit(&link)
			assert.Equal(t, tt.want, pricing.Evaluate(link, testNow))
		})
	}
}

func TestRenewedUntil_ExtendsByWholePeriods(t *testing.T) {
	until := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	next := pricing.RenewedUntil(until, testNow, 12)
	assert.True(t, next.After(testNow))
	assert.Equal(t, time.Date(2027, time.January, 31, 0, 0, 0, 0, time.UTC), next)
}

func TestLifecycle_ThirtyDayNoticeOnce(t *testing.T) {
	// GIVEN: validUntil = now + 25 days, notified30d = false
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(25*day), false, cieloRates()...)

	// WHEN: Running once
	res, err := f.monitor.Run(f.ctx, testNow)

	// THEN: The flag is set and exactly one notice went out
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified30d)
	assert.Equal(t, 0, res.Notified7d)
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpiring30d))
	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified30d)
	assert.False(t, stored.Notified7d)

	// WHEN: Running again in the same period
	res, err = f.monitor.Run(f.ctx, testNow.Add(time.Hour))

	// THEN: Nothing more is sent
	require.NoError(t, err)
	assert.Zero(t, res.Notified30d)
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpiring30d))

	notes, err := f.store.ListNotifications(f.ctx, "iso")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, pricing.NotifyExpiring30d, notes[0].Kind)
	assert.Equal(t, link.ID, notes[0].PricingLinkID)
}

// staleLinks serves a link listing captured before another run finished.
type staleLinks struct {
	pricing.TxStore
	links []pricing.PricingLink
}

func (s staleLinks) ListPricingLinks(context.Context, pricing.LinkFilter) ([]pricing.PricingLink, error) {
	return s.links, nil
}

func TestLifecycle_OverlappingRunSendsNoticeOnce(t *testing.T) {
	// GIVEN: A second run that listed the link before the first one notified
	f := newFixture(t)
	f.customer(t, "iso", "")
	f.validLink(t, "iso", testNow.Add(25*day), false, cieloRates()...)
	listed, err := f.store.ListPricingLinks(f.ctx, pricing.LinkFilter{Status: pricing.LinkValidada})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.False(t, listed[0].Notified30d)

	_, err = f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpiring30d))

	// WHEN: The late run evaluates its stale copy
	late := pricing.NewLifecycleMonitor(staleLinks{TxStore: f.store, links: listed}, f.snapshots, f.dispatcher, 12, nil)
	res, err := late.Run(f.ctx, testNow)

	// THEN: It sees the flag already set and sends nothing
	require.NoError(t, err)
	assert.Zero(t, res.Notified30d)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpiring30d))
	notes, err := f.store.ListNotifications(f.ctx, "iso")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestLifecycle_SevenDayNoticeSetsBothFlags(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(5*day), false, cieloRates()...)

	res, err := f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Notified30d)
	assert.Equal(t, 1, res.Notified7d)
	assert.Zero(t, f.dispatcher.count(pricing.NotifyExpiring30d))

	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified30d)
	assert.True(t, stored.Notified7d)

	res, err = f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, res.Notified7d)
}

func TestLifecycle_AutoRenewal(t *testing.T) {
	// GIVEN: validUntil = now - 1 day, autoRenew, both notices already sent
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(-day), true, cieloRates()...)
	link.Notified30d, link.Notified7d = true, true
	require.NoError(t, f.store.SavePricingLink(f.ctx, link))

	// WHEN: Running once
	res, err := f.monitor.Run(f.ctx, testNow)

	// THEN: validUntil moved into the future, flags reset, one regeneration
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoRenewed)
	assert.Empty(t, res.Errors)

	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.LinkValidada, stored.Status)
	assert.True(t, stored.ValidUntil.After(testNow))
	assert.False(t, stored.Notified30d)
	assert.False(t, stored.Notified7d)

	gen, err := f.store.LatestSnapshotGeneration(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gen, "approval wrote generation 1, renewal exactly one more")
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyRenewed))

	// AND: A second run does not renew again
	res, err = f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, res.AutoRenewed)
	gen, err = f.store.LatestSnapshotGeneration(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
}

func TestLifecycle_RenewalRollsBackWhenRegenerationFails(t *testing.T) {
	// GIVEN: An auto-renew link that has no supplier rates to snapshot
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.linkWithoutRates(t, "lonely", "iso")
	link.AutoRenew = true
	link.ValidUntil = testNow.Add(-day)
	require.NoError(t, f.store.SavePricingLink(f.ctx, link))

	res, err := f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, res.AutoRenewed)
	require.Len(t, res.Errors, 1)

	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, link.ValidUntil, stored.ValidUntil, "validity untouched")
}

func TestLifecycle_Expiry(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(-day), false, cieloRates()...)

	res, err := f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.LinkExpirada, stored.Status)

	// Terminal: nothing further happens automatically
	res, err = f.monitor.Run(f.ctx, testNow.Add(40*day))
	require.NoError(t, err)
	assert.Zero(t, res.Evaluated)
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpired))

	// Live snapshots survive for history and re-validation
	live, err := f.store.ListLiveSnapshots(f.ctx, link.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, live)
}

func TestLifecycle_DispatchFailureStillSetsFlag(t *testing.T) {
	// GIVEN: A notice is due and the dispatcher is down
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(20*day), false, cieloRates()...)
	f.dispatcher.fail = true

	// WHEN: Running
	res, err := f.monitor.Run(f.ctx, testNow)

	// THEN: The failure is counted, the flag is set anyway, no retry next run
	require.NoError(t, err)
	assert.Equal(t, 1, res.DispatchFailures)
	assert.Equal(t, 1, res.Notified30d)
	stored, err := f.store.GetPricingLink(f.ctx, link.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified30d)

	_, err = f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, f.dispatcher.count(pricing.NotifyExpiring30d))
}

func TestLifecycle_RevalidationAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.Add(-day), false, cieloRates()...)
	_, err := f.monitor.Run(f.ctx, testNow)
	require.NoError(t, err)

	relinked, version, err := f.approver.Approve(f.ctx, link.ID, pricing.ApprovalInput{Rates: cieloRates()})
	require.NoError(t, err)
	assert.Equal(t, pricing.LinkValidada, relinked.Status)
	assert.True(t, relinked.ValidUntil.After(testNow))
	assert.Equal(t, 2, version.Generation)
}
