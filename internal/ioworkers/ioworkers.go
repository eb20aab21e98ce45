// Package ioworkers fans blocking I/O out over a bounded goroutine pool and
// merges the results into one lazy sequence.
package ioworkers

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is used when a non-positive worker count is given
const DefaultWorkers = 4

// Emit hands one result to the consumer. It returns false once the
// consumer has stopped, and work should return promptly.
type Emit[T any] func(T) bool

// Work produces the results of one unit
type Work[U, T any] func(ctx context.Context, unit U, emit Emit[T]) error

type result[T any] struct {
	value T
	err   error
}

// Run calls work for every unit on at most workers goroutines and yields the
// results in arrival order. A unit that fails yields its error and the
// remaining units still run. Stopping iteration early cancels outstanding work.
func Run[U, T any](ctx context.Context, workers int, units []U, work Work[U, T]) iter.Seq2[T, error] {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return func(yield func(T, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan result[T], workers)
		go func() {
			defer close(out)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for _, unit := range units {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					emit := func(v T) bool {
						select {
						case out <- result[T]{value: v}:
							return true
						case <-gctx.Done():
							return false
						}
					}
					if err := work(gctx, unit, emit); err != nil {
						select {
						case out <- result[T]{err: err}:
						case <-gctx.Done():
						}
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range out {
			if !yield(r.value, r.err) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
