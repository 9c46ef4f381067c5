package pricing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is used by batch operations when none is configured.
const DefaultConcurrency = 4

// BatchResult is the outcome of a batch where each item has its own unit of
// work. Success is true only when every item was processed.
type BatchResult struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors"`
}

// ItemError is one failed item of a batch.
type ItemError struct {
	Key string
	Err error
}

func (e ItemError) String() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }

// forEach runs fn for every key with at most limit in flight. A failing key
// never stops the others. Failures are returned in key order.
func forEach[K any](ctx context.Context, keys []K, limit int, name func(K) string, fn func(context.Context, K) error) []ItemError {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]error, len(keys))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = fn(ctx, k)
			return nil
		})
	}
	_ = g.Wait()

	var failed []ItemError
	for i, err := range results {
		if err != nil {
			failed = append(failed, ItemError{Key: name(keys[i]), Err: err})
		}
	}
	return failed
}

func newBatchResult(total int, failed []ItemError) BatchResult {
	r := BatchResult{
		Total:     total,
		Processed: total - len(failed),
		Errors:    make([]string, 0, len(failed)),
	}
	for _, f := range failed {
		r.Errors = append(r.Errors, f.String())
	}
	r.Success = len(failed) == 0
	return r
}
