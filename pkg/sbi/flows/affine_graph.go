// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TrainingBackend returns the GoMLX backend used to compute the training loss and gradients of the
// trainable flows. It is created on first use and shared by all flows.
//
// Only the pure Go backend ("go") is linked in. The GOMLX_BACKEND environment variable can
// still select among registered backends.
var TrainingBackend = sync.OnceValues(func() (backends.Backend, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "creating GoMLX backend for flow training")
	}
	return backend, nil
})

// lossExec computes the mean negative log-likelihood of a ConditionalAffine flow, and its
// gradient with respect to the flat parameter vector, with GoMLX automatic differentiation.
type lossExec struct {
	dim, conditionDim, hiddenDim int
	exec                         *Exec
}

func newLossExec(dim, conditionDim, hiddenDim int) *lossExec {
	backend, err := TrainingBackend()
	if err != nil {
		panic(err)
	}
	le := &lossExec{dim: dim, conditionDim: conditionDim, hiddenDim: hiddenDim}
	le.exec, err = NewExec(backend, le.lossGraph)
	if err != nil {
		panic(errors.WithMessage(err, "compiling ConditionalAffine loss"))
	}
	return le
}

// lossGraph builds the loss on standardized samples xHat [batch, dim] and conditions
// cHat [batch, conditionDim], given params (the layout of ConditionalAffine.params).
// It returns the scalar loss (without the standardization log-determinant) and its
// gradient with respect to params.
func (le *lossExec) lossGraph(params, xHat, cHat *Node) (loss, grad *Node) {
	batchSize := xHat.Shape().Dimensions[0]
	dim, conditionDim, hiddenDim := le.dim, le.conditionDim, le.hiddenDim

	pos := 0
	take := func(n int) *Node {
		s := Slice(params, AxisRange(pos, pos+n))
		pos += n
		return s
	}
	w1 := Reshape(take(hiddenDim*conditionDim), hiddenDim, conditionDim)
	b1 := take(hiddenDim)
	w2 := Reshape(take(2*dim*hiddenDim), 2*dim, hiddenDim)
	b2 := take(2 * dim)

	hidden := Einsum("bc,hc->bh", cHat, w1)
	hidden = Tanh(Add(hidden, BroadcastToDims(ExpandAxes(b1, 0), batchSize, hiddenDim)))
	out := Einsum("bh,kh->bk", hidden, w2)
	out = Add(out, BroadcastToDims(ExpandAxes(b2, 0), batchSize, 2*dim))
	mu := Slice(out, AxisRange(), AxisRange(0, dim))
	logScale := ClipScalar(Slice(out, AxisRange(), AxisRange(dim, 2*dim)), -MaxLogScale, MaxLogScale)

	z := Mul(Sub(xHat, mu), Exp(Neg(logScale)))
	nll := AddScalar(Add(MulScalar(Mul(z, z), 0.5), logScale), 0.5*log2Pi)
	loss = MulScalar(ReduceAllSum(nll), 1/float64(batchSize))
	grad = Gradient(loss, params)[0]
	return
}

// lossAndGrad runs the graph on flattened standardized batches, writes the gradient into grad
// and returns the loss.
func (le *lossExec) lossAndGrad(params, xHat, cHat, grad []float64) float64 {
	batchSize := len(xHat) / le.dim
	paramsT := tensors.FromFlatDataAndDimensions(params, len(params))
	xHatT := tensors.FromFlatDataAndDimensions(xHat, batchSize, le.dim)
	cHatT := tensors.FromFlatDataAndDimensions(cHat, batchSize, le.conditionDim)
	lossT, gradT, err := le.exec.Exec2(paramsT, xHatT, cHatT)
	if err != nil {
		panic(errors.WithMessagef(err, "ConditionalAffine loss on a batch of %d", batchSize))
	}
	loss := tensors.MustCopyFlatData[float64](lossT)[0]
	gradFlat := tensors.MustCopyFlatData[float64](gradT)
	if len(gradFlat) != len(grad) {
		exceptions.Panicf("ConditionalAffine loss graph returned %d gradients, expected %d", len(gradFlat), len(grad))
	}
	copy(grad, gradFlat)
	for _, t := range []*tensors.Tensor{paramsT, xHatT, cHatT, lossT, gradT} {
		_ = t.FinalizeAll()
	}
	return loss
}
