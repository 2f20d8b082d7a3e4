package poller

import (
	"context"
	"sync"
)

// RunPool runs task over items with at most limit tasks in flight and returns
// one result slot per input item, in input order. A nil slot means the task
// for that item failed; the caller decides what a skipped item means.
func RunPool[T, R any](ctx context.Context, items []T, limit int, task func(ctx context.Context, item T) (R, error)) []*R {
	results := make([]*R, len(items))
	if len(items) == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := task(ctx, items[i])
			if err == nil {
				results[i] = &r
			}
		}(i)
	}
	wg.Wait()
	return results
}
