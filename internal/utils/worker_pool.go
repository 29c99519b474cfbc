package utils

import "sync"

type CompletedTask[In any, Out any] struct {
	Input  In
	Result Out
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines and closes
// completed once every input has been processed. The caller must close queue.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[In, Out], maxWorkers int) {
	workers := max(1, min(len(queue), maxWorkers))

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[In, Out]{Input: next, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
