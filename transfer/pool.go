package transfer

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool runs job over items with at most k workers active at once and
// returns one result per item, positionally aligned with the input.
// Workers share a cursor and each index is claimed exactly once; no
// guarantee is made about completion order. Failures are values inside R,
// so one item never aborts its siblings. k is clamped to [1, len(items)].
func Pool[T, R any](ctx context.Context, items []T, k int, job func(ctx context.Context, index int, item T) R) []R {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results
	}
	if k < 1 {
		k = 1
	}
	if k > len(items) {
		k = len(items)
	}

	var cursor int64 = -1
	g := new(errgroup.Group)
	for w := 0; w < k; w++ {
		g.Go(func() error {
			for {
				i := int(atomic.AddInt64(&cursor, 1))
				if i >= len(items) {
					return nil
				}
				results[i] = job(ctx, i, items[i])
			}
		})
	}
	g.Wait()
	return results
}
