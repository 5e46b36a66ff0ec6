package prep

import (
	"context"
	"runtime"
	"sync"
)

// DefaultProcs is the worker count used when --nprocs is not positive.
func DefaultProcs() int {
	return runtime.NumCPU()
}

// RunPool calls job(ctx, i) for i in [0, n) on at most nprocs goroutines.
// The first failing job cancels the context passed to the others; jobs
// that have not started yet are skipped. RunPool returns that first error,
// or ctx.Err() when the parent context was cancelled.
func RunPool(ctx context.Context, nprocs, n int, job func(ctx context.Context, i int) error) error {
	if nprocs <= 0 {
		nprocs = DefaultProcs()
	}
	nprocs = min(nprocs, n)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	indices := make(chan int)

	for w := 0; w < nprocs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				if ctx.Err() != nil {
					continue
				}
				if err := job(ctx, i); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case indices <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
