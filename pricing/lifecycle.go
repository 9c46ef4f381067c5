/*
lifecycle.go - Contract lifecycle monitor for pricing links

PURPOSE:

	Evaluates every validada pricing link against "now" once per scheduled
	run and applies at most one transition per link:

	  validada-active ──(≤30d left, !notified30d)──> notify-30
	  notify-30       ──(≤7d left,  !notified7d)───> notify-7
	  any active      ──(past validUntil, !autoRenew)──> expired (expirada)
	  any active      ──(past validUntil,  autoRenew)──> renewed (validada, flags reset,
	                                                     snapshots regenerated)

	A link first seen inside the 7-day window only receives the 7-day notice
	and has both flags set.

IDEMPOTENCE:

	The notified flags guard the notices, and the status guards expiry, so a
	second run against the same "now" changes nothing. Every transition is
	re-evaluated under the link lock before it is written.

DISPATCH:

	A notice is sent only if a fresh read of the link still calls for it,
	then the flag is written under the link lock. Sends never happen inside
	a transaction. A failed send is logged and the flag is set anyway.
*/
package pricing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	notice30 = 30 * 24 * time.Hour
	notice7  = 7 * 24 * time.Hour

	// DefaultRenewalMonths is the renewal period when none is configured.
	DefaultRenewalMonths = 12
)

type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionNotify30 Transition = "notify_30d"
	TransitionNotify7  Transition = "notify_7d"
	TransitionExpire   Transition = "expire"
	TransitionRenew    Transition = "renew"
)

// Evaluate decides the transition for a link at now. It has no side effects.
func Evaluate(link PricingLink, now time.Time) Transition {
	if link.Status != LinkValidada {
		return TransitionNone
	}
	if now.After(link.ValidUntil) {
		if link.AutoRenew {
			return TransitionRenew
		}
		return TransitionExpire
	}
	left := link.ValidUntil.Sub(now)
	switch {
	case left <= notice7 && !link.Notified7d:
		return TransitionNotify7
	case left <= notice30 && !link.Notified30d:
		return TransitionNotify30
	}
	return TransitionNone
}

// RenewedUntil extends validUntil by whole periods of months until it is
// after now.
func RenewedUntil(validUntil, now time.Time, months int) time.Time {
	if months <= 0 {
		months = DefaultRenewalMonths
	}
	next := validUntil
	for !next.After(now) {
		next = next.AddDate(0, months, 0)
	}
	return next
}

// LifecycleResult summarizes one run.
type LifecycleResult struct {
	RanAt            time.Time `json:"ran_at"`
	Evaluated        int       `json:"evaluated"`
	Notified30d      int       `json:"notified30d"`
	Notified7d       int       `json:"notified7d"`
	AutoRenewed      int       `json:"autoRenewed"`
	Expired          int       `json:"expired"`
	DispatchFailures int       `json:"dispatch_failures"`
	Errors           []string  `json:"errors"`
}

type LifecycleMonitor struct {
	Store         TxStore
	Snapshots     *SnapshotGenerator
	Dispatcher    Dispatcher
	RenewalMonths int
	Log           logrus.FieldLogger
}

func NewLifecycleMonitor(store TxStore, snapshots *SnapshotGenerator, dispatcher Dispatcher, renewalMonths int, log logrus.FieldLogger) *LifecycleMonitor {
	return &LifecycleMonitor{
		Store:         store,
		Snapshots:     snapshots,
		Dispatcher:    dispatcher,
		RenewalMonths: renewalMonths,
		Log:           orDiscard(log).WithField("component", "lifecycle"),
	}
}

func (m *LifecycleMonitor) log() logrus.FieldLogger { return orDiscard(m.Log) }

// Run evaluates every validada link once. Per-link failures are collected
// in the result; only failing to list links is returned as an error.
func (m *LifecycleMonitor) Run(ctx context.Context, now time.Time) (LifecycleResult, error) {
	now = now.UTC()
	result := LifecycleResult{RanAt: now, Errors: []string{}}

	links, err := m.Store.ListPricingLinks(ctx, LinkFilter{Status: LinkValidada})
	if err != nil {
		return result, Downstream("list pricing links", err)
	}

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Evaluated++

		t := Evaluate(link, now)
		var applied bool
		switch t {
		case TransitionNone:
			continue
		case TransitionNotify30, TransitionNotify7:
			applied, err = m.notify(ctx, link, t, now, &result)
		case TransitionRenew:
			applied, err = m.renew(ctx, link, now)
		case TransitionExpire:
			applied, err = m.expire(ctx, link, now)
		}

		entry := m.log().WithFields(logrus.Fields{
			"pricing_link_id": link.ID,
			"customer_id":     link.CustomerID,
			"transition":      t,
		})
		if err != nil {
			entry.WithError(err).Warn("lifecycle transition failed")
			result.Errors = append(result.Errors, ItemError{Key: string(link.ID), Err: err}.String())
			continue
		}
		if !applied {
			continue
		}
		entry.Info("lifecycle transition applied")

		switch t {
		case TransitionNotify30:
			result.Notified30d++
		case TransitionNotify7:
			result.Notified7d++
		case TransitionRenew:
			result.AutoRenewed++
			m.dispatch(ctx, link, NotifyRenewed, &result)
		case TransitionExpire:
			result.Expired++
			m.dispatch(ctx, link, NotifyExpired, &result)
		}
	}

	m.log().WithFields(logrus.Fields{
		"evaluated":    result.Evaluated,
		"notified30d":  result.Notified30d,
		"notified7d":   result.Notified7d,
		"auto_renewed": result.AutoRenewed,
		"expired":      result.Expired,
		"errors":       len(result.Errors),
	}).Info("contract lifecycle run finished")
	return result, nil
}

// dispatch is best effort; failures are counted and logged only.
func (m *LifecycleMonitor) dispatch(ctx context.Context, link PricingLink, kind NotificationKind, result *LifecycleResult) {
	if m.Dispatcher == nil {
		return
	}
	if err := m.Dispatcher.Send(ctx, link.CustomerID, kind); err != nil {
		result.DispatchFailures++
		m.log().WithFields(logrus.Fields{
			"pricing_link_id": link.ID,
			"customer_id":     link.CustomerID,
			"kind":            kind,
		}).WithError(err).Warn("notification dispatch failed")
	}
}

// relock re-reads the link under lock and reports whether want still applies.
func relock(ctx context.Context, s Store, id PricingLinkID, want Transition, now time.Time) (PricingLink, bool, error) {
	link, err := s.LockPricingLink(ctx, id)
	if err != nil {
		return PricingLink{}, false, err
	}
	return link, Evaluate(link, now) == want, nil
}

func (m *LifecycleMonitor) notify(ctx context.Context, link PricingLink, t Transition, now time.Time, result *LifecycleResult) (bool, error) {
	kind := NotifyExpiring30d
	if t == TransitionNotify7 {
		kind = NotifyExpiring7d
	}
	fresh, err := m.Store.GetPricingLink(ctx, link.ID)
	if err != nil {
		return false, Downstream("reload pricing link", err)
	}
	if Evaluate(fresh, now) != t {
		return false, nil
	}
	m.dispatch(ctx, fresh, kind, result)

	applied := false
	err = m.Store.WithTx(ctx, func(s Store) error {
		current, ok, err := relock(ctx, s, link.ID, t, now)
		if err != nil || !ok {
			return err
		}
		current.Notified30d = true
		if t == TransitionNotify7 {
			current.Notified7d = true
		}
		current.UpdatedAt = now
		if err := s.SavePricingLink(ctx, current); err != nil {
			return err
		}
		applied = true
		return s.CreateNotification(ctx, newNotification(current, kind, now))
	})
	return applied, Downstream("record notice", err)
}

func (m *LifecycleMonitor) renew(ctx context.Context, link PricingLink, now time.Time) (bool, error) {
	applied := false
	err := m.Store.WithTx(ctx, func(s Store) error {
		current, ok, err := relock(ctx, s, link.ID, TransitionRenew, now)
		if err != nil || !ok {
			return err
		}
		next := RenewedUntil(current.ValidUntil, now, m.RenewalMonths)
		current.ValidFrom = current.ValidUntil
		current.ValidUntil = next
		current.Notified30d = false
		current.Notified7d = false
		current.UpdatedAt = now
		if err := s.SavePricingLink(ctx, current); err != nil {
			return err
		}
		if _, err := m.Snapshots.regenerateIn(ctx, s, current, now); err != nil {
			return err
		}
		applied = true
		return s.CreateNotification(ctx, newNotification(current, NotifyRenewed, now))
	})
	return applied, Downstream("renew pricing link", err)
}

func (m *LifecycleMonitor) expire(ctx context.Context, link PricingLink, now time.Time) (bool, error) {
	applied := false
	err := m.Store.WithTx(ctx, func(s Store) error {
		current, ok, err := relock(ctx, s, link.ID, TransitionExpire, now)
		if err != nil || !ok {
			return err
		}
		current.Status = LinkExpirada
		current.UpdatedAt = now
		if err := s.SavePricingLink(ctx, current); err != nil {
			return err
		}
		applied = true
		return s.CreateNotification(ctx, newNotification(current, NotifyExpired, now))
	})
	return applied, Downstream("expire pricing link", err)
}
