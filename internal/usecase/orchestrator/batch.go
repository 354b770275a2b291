package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

var errStopBatch = errors.New("batch stopped")

// RunGrouped runs calls 0..n-1 in order. Each maximal run of consecutive
// calls for which parallel reports true executes concurrently, at most limit
// at a time; every other call runs alone. A false return from run stops the
// batch after the current group. No new group starts once ctx is done.
// The result marks which calls were started.
func RunGrouped(ctx context.Context, n, limit int, parallel func(i int) bool, run func(ctx context.Context, i int) bool) []bool {
	started := make([]bool, n)
	for i := 0; i < n && ctx.Err() == nil; {
		j := i + 1
		if parallel(i) {
			for j < n && parallel(j) {
				j++
			}
		}

		if j-i == 1 {
			started[i] = true
			if !run(ctx, i) {
				break
			}
			i = j
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for k := i; k < j; k++ {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				started[k] = true
				if !run(gctx, k) {
					return errStopBatch
				}
				return nil
			})
		}
		if g.Wait() != nil {
			break
		}
		i = j
	}
	return started
}
