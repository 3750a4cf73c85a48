// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs indexed tasks on a bounded number of goroutines.
//
// It is used to score acquisition candidates and to train ensemble members in parallel: each
// task owns its own slot of the output, so no further synchronization is needed by the caller.
package workerspool

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool of workers with a limit on the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently.
	// If 0 tasks are run inline, sequentially. If < 0 there is no limit.
	maxParallelism int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// NewWithParallelism returns a new Pool configured from a user-facing parallelism setting:
// 0 uses the default (runtime.NumCPU()), 1 runs tasks sequentially and -1 is unlimited.
func NewWithParallelism(parallelism int) *Pool {
	pool := New()
	switch {
	case parallelism == 1:
		pool.SetMaxParallelism(0)
	case parallelism != 0:
		pool.SetMaxParallelism(parallelism)
	}
	return pool
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the limit of tasks executed concurrently.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns the pool itself, so calls can be cascaded.
//
// You should only change the parallelism while no ForEach is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// ForEach calls task(i) for i in [0, n), with at most MaxParallelism concurrent calls, and
// waits for all of them to finish: it works as a barrier.
//
// Once a task fails (or ctx is cancelled) tasks not yet started are skipped.
// It returns the error of the failed task with the lowest index, so the reported error does not
// depend on scheduling, or ctx.Err() if the context was cancelled before all tasks started.
// If every task ran and succeeded, it returns nil even if ctx was cancelled meanwhile.
func (w *Pool) ForEach(ctx context.Context, n int, task func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if !w.IsEnabled() || n == 1 {
		for ii := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := task(ii); err != nil {
				return errors.WithMessagef(err, "task #%d", ii)
			}
		}
		return nil
	}

	limit := w.maxParallelism
	if w.IsUnlimited() || limit > n {
		limit = n
	}
	taskErrors := make([]error, n)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed bool
	)
	semaphore := make(chan struct{}, limit)
	launched := 0
	for ii := range n {
		mu.Lock()
		stop := failed
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}
		launched++
		semaphore <- struct{}{}
		wg.Add(1)
		go func(ii int) {
			defer func() {
				<-semaphore
				wg.Done()
			}()
			if err := task(ii); err != nil {
				taskErrors[ii] = errors.WithMessagef(err, "task #%d", ii)
				mu.Lock()
				failed = true
				mu.Unlock()
			}
		}(ii)
	}
	wg.Wait()
	for _, err := range taskErrors {
		if err != nil {
			return err
		}
	}
	if launched < n {
		return ctx.Err()
	}
	return nil
}
