package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	// Index of the item in the input slice.
	Index  int
	Result T
	Error  error
}

// RunInPool runs worker over items with at most maxWorkers goroutines. The
// returned channel is closed once every worker has exited. Items that have not
// started when ctx is done are skipped and produce no CompletedTask.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), items []In, maxWorkers int) <-chan CompletedTask[Out] {
	completed := make(chan CompletedTask[Out], len(items))

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	workers := min(len(items), max(maxWorkers, 1))

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					if ctx.Err() != nil {
						return
					}

					res, err := worker(ctx, items[next])
					completed <- CompletedTask[Out]{Index: next, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()

	return completed
}
