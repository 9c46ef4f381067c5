package pricing_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

func cieloRates() []pricing.RateEntry {
	return []pricing.RateEntry{
		rate(pricing.MethodCredito, "visa", "1", "1.85"),
		rate(pricing.MethodCredito, "visa", "2-6", "2.30"),
		rate(pricing.MethodDebito, "master", "1", "0.90"),
		rate(pricing.MethodPix, "pix", "1", "0.49"),
	}
}

func ratesOf(rows []pricing.CostSnapshot) map[pricing.RateKey]string {
	out := make(map[pricing.RateKey]string, len(rows))
	for _, r := range rows {
		out[r.RateKey] = r.CostRate.String()
	}
	return out
}

func TestRegenerate_Idempotent(t *testing.T) {
	// GIVEN: A validada link (approval already wrote generation 1)
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.AddDate(0, 6, 0), false, cieloRates()...)
	first, err := f.store.ListLiveSnapshots(f.ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, first, 4)

	// WHEN: Regenerating twice in succession
	f.snapshots.Now = func() time.Time { return testNow.Add(time.Hour) }
	v2, err := f.snapshots.Regenerate(f.ctx, link.ID)
	require.NoError(t, err)
	f.snapshots.Now = func() time.Time { return testNow.Add(2 * time.Hour) }
	v3, err := f.snapshots.Regenerate(f.ctx, link.ID)
	require.NoError(t, err)

	// THEN: Same rates, newer generatedAt, one live generation
	assert.Equal(t, 2, v2.Generation)
	assert.Equal(t, 3, v3.Generation)
	live, err := f.store.ListLiveSnapshots(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, ratesOf(first), ratesOf(live))
	for _, s := range live {
		assert.Equal(t, 3, s.Generation)
		assert.True(t, s.GeneratedAt.After(first[0].GeneratedAt))
	}

	// AND: The history keeps every generation, newest first
	history, err := f.snapshots.History(f.ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{history[0].Generation, history[1].Generation, history[2].Generation})
	assert.True(t, history[0].Live)
	assert.False(t, history[1].Live)
	require.NotNil(t, history[2].RetiredAt)
	assert.Len(t, history[2].Rates, 4)
}

func TestRegenerate_NeverObservablyEmpty(t *testing.T) {
	// GIVEN: A validada link with a live snapshot set
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()...)

	// WHEN: Readers poll the live set while regenerations run
	const readers, minRegenerations, minReads = 4, 50, 200
	var (
		empty   atomic.Int64
		reads   atomic.Int64
		stop    = make(chan struct{})
		started sync.WaitGroup
		done    sync.WaitGroup
	)
	for i := 0; i < readers; i++ {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			first := true
			for {
				rows, err := f.store.ListLiveSnapshots(context.Background(), link.ID)
				if err != nil || len(rows) == 0 {
					empty.Add(1)
				}
				reads.Add(1)
				if first {
					first = false
					started.Done()
				}
				select {
				case <-stop:
					return
				default:
					runtime.Gosched()
				}
			}
		}()
	}
	started.Wait()
	baseline := reads.Load()

	var regenerations int
	for regenerations < minRegenerations || reads.Load()-baseline < minReads {
		if _, err := f.snapshots.Regenerate(f.ctx, link.ID); err != nil {
			close(stop)
			done.Wait()
			require.NoError(t, err)
		}
		regenerations++
		runtime.Gosched()
	}
	close(stop)
	done.Wait()

	// THEN: Reads interleaved with regenerations and none saw zero live rows
	assert.GreaterOrEqual(t, reads.Load()-baseline, int64(minReads))
	assert.Zero(t, empty.Load())
}

func TestRegenerate_ConcurrentSameLink(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	link := f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.snapshots.Regenerate(context.Background(), link.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live, err := f.store.ListLiveSnapshots(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, live, 4, "exactly one live generation")
	gen, err := f.store.LatestSnapshotGeneration(f.ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, gen)
}

func TestRegenerate_RequiresValidada(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	link, err := f.approver.Create(f.ctx, "iso", "supplier-stone", false)
	require.NoError(t, err)

	_, err = f.snapshots.Regenerate(f.ctx, link.ID)
	assert.ErrorIs(t, err, pricing.ErrInvalidState)
	assert.Equal(t, pricing.CodeInvalidState, pricing.ErrorCode(err))

	_, err = f.snapshots.Regenerate(f.ctx, "missing")
	assert.ErrorIs(t, err, pricing.ErrNotFound)
}

func TestRegenerateAll_PartialFailure(t *testing.T) {
	// GIVEN: Two healthy links and one validada link without a rate table
	f := newFixture(t)
	f.customer(t, "iso", "")
	good1 := f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()...)
	good2 := f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()[:1]...)
	broken := f.linkWithoutRates(t, "broken", "iso")

	// WHEN: Regenerating all three
	result, err := f.snapshots.RegenerateAll(f.ctx, []pricing.PricingLinkID{good1.ID, broken.ID, good2.ID})

	// THEN: The failure is reported and the others still ran
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broken")

	for _, id := range []pricing.PricingLinkID{good1.ID, good2.ID} {
		gen, err := f.store.LatestSnapshotGeneration(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, gen)
	}
}

func TestRegenerateAll_EmptyMeansEveryValidada(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "iso", "")
	f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()...)
	f.validLink(t, "iso", testNow.AddDate(1, 0, 0), false, cieloRates()...)
	_, err := f.approver.Create(f.ctx, "iso", "supplier-getnet", false)
	require.NoError(t, err)

	result, err := f.snapshots.RegenerateAll(f.ctx, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Total)
	assert.Empty(t, result.Errors)
}
