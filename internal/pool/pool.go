// Package pool runs bounded groups of workers over a stream of items.
package pool

import (
	"context"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Unordered starts workers goroutines that apply fn to every item received on
// in and send each result on out, in completion order. It returns once in is
// drained (or ctx is done) and every worker has finished; out is closed
// before returning. The first error returned by fn stops the pool and is
// returned. Items still queued on in after cancellation are dropped.
func Unordered[T, R any](ctx context.Context, workers int, in <-chan T, out chan<- R, fn func(context.Context, T) (R, error)) error {
	defer close(out)
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case item, ok := <-in:
					if !ok {
						return nil
					}
					result, err := fn(ctx, item)
					if err != nil {
						return err
					}
					select {
					case out <- result:
					case <-ctx.Done():
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}

type job[T, R any] struct {
	item T
	slot chan R
}

// Ordered applies fn to every item of in using up to workers goroutines and
// yields the results in the order the items were produced. At most
// 2×workers results are in flight at once. Stopping the iteration early
// cancels the context passed to fn and waits for the workers to exit.
func Ordered[T, R any](ctx context.Context, workers int, in iter.Seq[T], fn func(context.Context, T) R) iter.Seq[R] {
	return func(yield func(R) bool) {
		if workers < 1 {
			workers = 1
		}
		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()

		jobs := make(chan job[T, R])
		pending := make(chan chan R, 2*workers)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(jobs)
			defer close(pending)
			for item := range in {
				slot := make(chan R, 1)
				select {
				case pending <- slot:
				case <-ctx.Done():
					return
				}
				select {
				case jobs <- job[T, R]{item: item, slot: slot}:
				case <-ctx.Done():
					return
				}
			}
		}()

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range jobs {
					j.slot <- fn(ctx, j.item)
				}
			}()
		}

		for slot := range pending {
			var result R
			select {
			case result = <-slot:
			case <-ctx.Done():
				return
			}
			if !yield(result) {
				return
			}
		}
	}
}
