// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gomlx/activesbi/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meanModel fits a single parameter to the mean of xs[i][0], with squared loss.
type meanModel struct {
	params []float64
	nanAt  float64
}

func (m *meanModel) Params() []float64 { return m.params }

func (m *meanModel) LossAndGrad(xs, _ [][]float64, grad []float64) float64 {
	var loss, g float64
	for _, x := range xs {
		if x[0] == m.nanAt {
			return math.NaN()
		}
		d := m.params[0] - x[0]
		loss += d * d
		g += 2 * d
	}
	n := float64(len(xs))
	grad[0] = g / n
	return loss / n
}

func makeData(n int, value float64) (xs, conditions [][]float64) {
	for range n {
		xs = append(xs, []float64{value})
		conditions = append(conditions, []float64{0})
	}
	return
}

func TestInMemory(t *testing.T) {
	xs := [][]float64{{0}, {1}, {2}, {3}, {4}}
	conds := [][]float64{{10}, {11}, {12}, {13}, {14}}
	ds := must.M1(NewInMemory("test", xs, conds)).BatchSize(2, false)
	var sizes []int
	for {
		bx, bc, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for i := range bx {
			assert.Equal(t, bx[i][0]+10, bc[i][0])
		}
		sizes = append(sizes, len(bx))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	ds.BatchSize(2, true)
	ds.Reset()
	count := 0
	for {
		if _, _, err := ds.Yield(); err == io.EOF {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)

	_, err := NewInMemory("bad", xs, conds[:2])
	require.Error(t, err)
}

func TestInMemoryShuffle(t *testing.T) {
	xs, conds := makeData(20, 0)
	for i := range xs {
		xs[i][0] = float64(i)
	}
	ds := must.M1(NewInMemory("test", xs, conds)).Shuffle(rand.New(rand.NewPCG(1, 2)))
	bx, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, bx, 20)
	seen := make(map[float64]bool)
	inOrder := true
	for i, x := range bx {
		seen[x[0]] = true
		if x[0] != float64(i) {
			inOrder = false
		}
	}
	assert.Len(t, seen, 20)
	assert.False(t, inOrder)
}

func TestSplit(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	xs, conds := makeData(50, 1)
	trainDS, validationDS, err := Split(xs, conds, 0.1, rng)
	require.NoError(t, err)
	assert.Equal(t, 45, trainDS.Len())
	assert.Equal(t, 5, validationDS.Len())

	trainDS, validationDS, err = Split(xs[:3], conds[:3], 0.1, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, trainDS.Len())
	assert.Equal(t, 1, validationDS.Len())

	trainDS, validationDS, err = Split(xs[:1], conds[:1], 0.1, rng)
	require.NoError(t, err)
	assert.Equal(t, 1, trainDS.Len())
	assert.Equal(t, 0, validationDS.Len())

	_, _, err = Split(xs, conds, 1.0, rng)
	require.Error(t, err)
}

func TestLoopHooksAndPriorities(t *testing.T) {
	model := &meanModel{params: []float64{0}, nanAt: math.Inf(1)}
	loop := NewLoop(NewTrainer(model, optimizers.StochasticGradientDescent(0.1)))
	var calls []string
	loop.OnStart("second", 1, func(_ *Loop, _ Dataset) error {
		calls = append(calls, "start-second")
		return nil
	})
	loop.OnStart("first", -1, func(_ *Loop, _ Dataset) error {
		calls = append(calls, "start-first")
		return nil
	})
	numSteps, numEpochs := 0, 0
	loop.OnStep("count", 0, func(_ *Loop, _ float64) error {
		numSteps++
		return nil
	})
	loop.OnEpoch("count", 0, func(_ *Loop, _ float64) error {
		numEpochs++
		return nil
	})
	loop.OnEnd("end", 0, func(_ *Loop, _ float64) error {
		calls = append(calls, "end")
		return nil
	})

	xs, conds := makeData(10, 3)
	ds := must.M1(NewInMemory("train", xs, conds)).BatchSize(5, false)
	_, err := loop.RunEpochs(context.Background(), ds, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"start-first", "start-second", "end"}, calls)
	assert.Equal(t, 8, numSteps)
	assert.Equal(t, 4, numEpochs)
	assert.Equal(t, 8, loop.LoopStep)
	assert.Len(t, loop.TrainStepDurations, 8)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))
}

func TestLoopConverges(t *testing.T) {
	model := &meanModel{params: []float64{0}, nanAt: math.Inf(1)}
	loop := NewLoop(NewTrainer(model, optimizers.Adam().LearningRate(0.05).Done()))
	xs, conds := makeData(20, 2)
	ds := must.M1(NewInMemory("train", xs, conds)).BatchSize(10, false)
	_, err := loop.RunEpochs(context.Background(), ds, 500)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, model.params[0], 0.05)
}

func TestLoopErrors(t *testing.T) {
	model := &meanModel{params: []float64{0}, nanAt: 7}
	loop := NewLoop(NewTrainer(model, optimizers.StochasticGradientDescent(0.1)))
	xs, conds := makeData(4, 7)
	ds := must.M1(NewInMemory("train", xs, conds))
	_, err := loop.RunEpochs(context.Background(), ds, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
	assert.Equal(t, 0.0, model.params[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model.nanAt = math.Inf(1)
	_, err = loop.RunEpochs(ctx, ds, 1)
	require.ErrorIs(t, err, context.Canceled)

	empty := must.M1(NewInMemory("empty", nil, nil))
	_, err = loop.RunEpochs(context.Background(), empty, 1)
	require.Error(t, err)
}

// panicModel fails inside LossAndGrad, like a model whose computation graph cannot be built.
type panicModel struct{ meanModel }

func (m *panicModel) LossAndGrad(_, _ [][]float64, _ []float64) float64 {
	exceptions.Panicf("graph for batch can't be built")
	return 0
}

func TestTrainerConvertsPanics(t *testing.T) {
	model := &panicModel{meanModel{params: []float64{3}}}
	trainer := NewTrainer(model, optimizers.StochasticGradientDescent(0.1))
	xs, conds := makeData(2, 1)
	_, err := trainer.TrainStep(xs, conds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't be built")
	assert.Equal(t, 3.0, model.params[0])

	_, err = trainer.EvalLoss(must.M1(NewInMemory("eval", xs, conds)))
	require.Error(t, err)
}

func TestEarlyStoppingRestoresBest(t *testing.T) {
	// Training pulls the parameter to 5, validation prefers 0: the best epoch is the first one.
	model := &meanModel{params: []float64{0}, nanAt: math.Inf(1)}
	loop := NewLoop(NewTrainer(model, optimizers.StochasticGradientDescent(0.1)))
	xs, conds := makeData(10, 5)
	vxs, vconds := makeData(10, 0)
	ds := must.M1(NewInMemory("train", xs, conds))
	validation := must.M1(NewInMemory("validation", vxs, vconds))
	epochs := 0
	loop.OnEpoch("count", 0, func(_ *Loop, _ float64) error {
		epochs++
		return nil
	})
	es := AttachEarlyStopping(loop, validation, 3)
	_, err := loop.RunEpochs(context.Background(), ds, 100)
	require.NoError(t, err)
	assert.True(t, loop.StopRequested())
	assert.Equal(t, 4, epochs)
	assert.Equal(t, 0, es.BestEpoch)
	// After the first epoch (one full-batch SGD step from 0): 0.1 * 2 * 5 = 1.
	assert.InDelta(t, 1.0, model.params[0], 1e-9)
	assert.InDelta(t, 1.0, es.BestLoss, 1e-9)
}
