/*
snapshot.go - Cost snapshot generation and MDR version history

PURPOSE:

	Freezes the supplier cost table of a validated pricing link into an
	immutable snapshot set. Margin calculations read the live set, never
	the mutable rate table, so a supplier table edit has no effect on
	margins until the link is regenerated.

GENERATIONS:

	Each regeneration writes a new generation (previous + 1) and retires the
	live one in the same transaction:

	  gen 1  [retired 2026-03-01]  credito/visa/1 = 1.9000 ...
	  gen 2  [live]                credito/visa/1 = 1.8500 ...

	Readers either see gen 1 live or gen 2 live, never a link with no live
	rows. Retired generations are kept as the MDR version history.

BATCHES:

	RegenerateAll processes links in parallel, each in its own transaction.
	A failure on one link is collected and the remaining links still run.
*/
package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SnapshotGenerator struct {
	Store       TxStore
	Now         func() time.Time
	Concurrency int
	Log         logrus.FieldLogger
}

func NewSnapshotGenerator(store TxStore, log logrus.FieldLogger) *SnapshotGenerator {
	return &SnapshotGenerator{
		Store:       store,
		Now:         time.Now,
		Concurrency: DefaultConcurrency,
		Log:         orDiscard(log).WithField("component", "snapshots"),
	}
}

func (g *SnapshotGenerator) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g *SnapshotGenerator) log() logrus.FieldLogger { return orDiscard(g.Log) }

// Regenerate replaces the live snapshot set of a validada link with a fresh
// one built from its current supplier rate table.
func (g *SnapshotGenerator) Regenerate(ctx context.Context, linkID PricingLinkID) (MdrVersion, error) {
	if linkID == "" {
		return MdrVersion{}, &ValidationError{Field: "pricing_link_id", Message: "required"}
	}
	var version MdrVersion
	err := g.Store.WithTx(ctx, func(s Store) error {
		link, err := s.LockPricingLink(ctx, linkID)
		if err != nil {
			return err
		}
		version, err = g.regenerateIn(ctx, s, link, g.now())
		return err
	})
	if err != nil {
		return MdrVersion{}, Downstream("regenerate snapshots", err)
	}

	g.log().WithFields(logrus.Fields{
		"pricing_link_id": linkID,
		"generation":      version.Generation,
		"rates":           len(version.Rates),
	}).Info("snapshot set regenerated")
	return version, nil
}

// regenerateIn does the work of Regenerate inside a caller-owned
// transaction. The lifecycle monitor and the approval action use it so that
// the status change and the snapshot swap commit together.
func (g *SnapshotGenerator) regenerateIn(ctx context.Context, s Store, link PricingLink, now time.Time) (MdrVersion, error) {
	if link.Status != LinkValidada {
		return MdrVersion{}, &InvalidStateError{
			Entity:    "pricing_link",
			ID:        string(link.ID),
			State:     string(link.Status),
			Operation: "regenerate snapshots for",
		}
	}

	rates, err := s.ListSupplierRates(ctx, link.ID)
	if err != nil {
		return MdrVersion{}, err
	}
	if len(rates) == 0 {
		return MdrVersion{}, &InvalidStateError{
			Entity:    "pricing_link",
			ID:        string(link.ID),
			State:     "no supplier rates",
			Operation: "regenerate snapshots for",
		}
	}
	if err := ValidateRateTable("rates", rates); err != nil {
		return MdrVersion{}, err
	}
	rates = NormalizeRateTable(rates)

	latest, err := s.LatestSnapshotGeneration(ctx, link.ID)
	if err != nil {
		return MdrVersion{}, err
	}
	gen := latest + 1

	rows := make([]CostSnapshot, len(rates))
	for i, r := range rates {
		rows[i] = CostSnapshot{
			ID:            uuid.NewString(),
			PricingLinkID: link.ID,
			Generation:    gen,
			RateKey:       r.RateKey,
			CostRate:      r.Rate,
			GeneratedAt:   now,
		}
	}
	if err := s.ReplaceSnapshots(ctx, link.ID, rows, now); err != nil {
		return MdrVersion{}, err
	}

	return MdrVersion{
		PricingLinkID: link.ID,
		Generation:    gen,
		GeneratedAt:   now,
		Live:          true,
		Rates:         rates,
	}, nil
}

// RegenerateAll regenerates every link in ids independently. An empty ids
// means every validada link.
func (g *SnapshotGenerator) RegenerateAll(ctx context.Context, ids []PricingLinkID) (BatchResult, error) {
	if len(ids) == 0 {
		links, err := g.Store.ListPricingLinks(ctx, LinkFilter{Status: LinkValidada})
		if err != nil {
			return BatchResult{}, Downstream("list pricing links", err)
		}
		for _, l := range links {
			ids = append(ids, l.ID)
		}
	}

	failed := forEach(ctx, ids, g.Concurrency,
		func(id PricingLinkID) string { return string(id) },
		func(ctx context.Context, id PricingLinkID) error {
			_, err := g.Regenerate(ctx, id)
			return err
		})
	for _, f := range failed {
		g.log().WithFields(logrus.Fields{
			"pricing_link_id": f.Key,
			"code":            ErrorCode(f.Err),
		}).WithError(f.Err).Warn("snapshot regeneration failed")
	}

	result := newBatchResult(len(ids), failed)
	g.log().WithFields(logrus.Fields{
		"processed": result.Processed,
		"total":     result.Total,
	}).Info("batch snapshot regeneration finished")
	return result, nil
}

// Live returns the live snapshot rows of a link.
func (g *SnapshotGenerator) Live(ctx context.Context, linkID PricingLinkID) ([]CostSnapshot, error) {
	if _, err := g.Store.GetPricingLink(ctx, linkID); err != nil {
		return nil, Downstream("get pricing link", err)
	}
	rows, err := g.Store.ListLiveSnapshots(ctx, linkID)
	return rows, Downstream("list live snapshots", err)
}

// History returns every snapshot generation of a link, newest first.
func (g *SnapshotGenerator) History(ctx context.Context, linkID PricingLinkID) ([]MdrVersion, error) {
	if _, err := g.Store.GetPricingLink(ctx, linkID); err != nil {
		return nil, Downstream("get pricing link", err)
	}
	rows, err := g.Store.ListSnapshotHistory(ctx, linkID)
	if err != nil {
		return nil, Downstream("list snapshot history", err)
	}
	return GroupVersions(rows), nil
}

// GroupVersions folds snapshot rows into one MdrVersion per generation,
// preserving the order in which generations first appear.
func GroupVersions(rows []CostSnapshot) []MdrVersion {
	var (
		versions []MdrVersion
		index    = make(map[int]int)
	)
	for _, r := range rows {
		i, ok := index[r.Generation]
		if !ok {
			i = len(versions)
			index[r.Generation] = i
			versions = append(versions, MdrVersion{
				PricingLinkID: r.PricingLinkID,
				Generation:    r.Generation,
				GeneratedAt:   r.GeneratedAt,
				RetiredAt:     r.RetiredAt,
				Live:          r.Live(),
			})
		}
		versions[i].Rates = append(versions[i].Rates, RateEntry{RateKey: r.RateKey, Rate: r.CostRate})
	}
	return versions
}
