// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		out := make([]int, 20)
		err := pool.ForEach(context.Background(), len(out), func(i int) error {
			out[i] = i * i
			return nil
		})
		require.NoError(t, err)
		for ii, v := range out {
			assert.Equal(t, ii*ii, v, "parallelism=%d", parallelism)
		}
	}
}

func TestPool_ForEachLimitsParallelism(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	err := pool.ForEach(context.Background(), 10, func(int) error {
		current := running.Add(1)
		for {
			seen := maxRunning.Load()
			if current <= seen || maxRunning.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPool_ForEachErrors(t *testing.T) {
	sentinel := errors.New("boom")
	for _, parallelism := range []int{0, 4} {
		pool := New().SetMaxParallelism(parallelism)
		err := pool.ForEach(context.Background(), 8, func(i int) error {
			if i >= 3 {
				return errors.Wrapf(sentinel, "at %d", i)
			}
			return nil
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
		assert.Contains(t, err.Error(), "task #3")
	}
}

func TestPool_ForEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var count atomic.Int32
	err := New().ForEach(ctx, 5, func(int) error {
		count.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), count.Load())
}

func TestPool_ForEachCancelledAfterLastTask(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		ctx, cancel := context.WithCancel(context.Background())
		var count atomic.Int32
		err := NewWithParallelism(parallelism).ForEach(ctx, 4, func(int) error {
			if count.Add(1) == 4 {
				cancel()
			}
			return nil
		})
		require.NoError(t, err, "parallelism=%d", parallelism)
		assert.Equal(t, int32(4), count.Load())
		require.Error(t, ctx.Err())
	}
}

func TestNewWithParallelism(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), NewWithParallelism(0).MaxParallelism())
	assert.False(t, NewWithParallelism(1).IsEnabled())
	assert.True(t, NewWithParallelism(-1).IsUnlimited())
	assert.Equal(t, 3, NewWithParallelism(3).MaxParallelism())
}
