// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package, mostly for the
// `[][]float64` batches (one row per point) used throughout the inference code.
package xslices

import (
	"cmp"
	"math"
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Copy creates a new (shallow) copy of T. A short cut to a call to `make` and then `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// Copy2D returns a deep copy of a 2D slice: the rows are not shared with the original.
func Copy2D[T any](rows [][]T) [][]T {
	if rows == nil {
		return nil
	}
	out := make([][]T, len(rows))
	for ii, row := range rows {
		out[ii] = slices.Clone(row)
	}
	return out
}

// Slice2DWithValue creates a 2D-slice of given dimensions filled with the given value.
// The rows share one contiguous backing array.
func Slice2DWithValue[T any](value T, dim0, dim1 int) [][]T {
	data := make([]T, dim0*dim1)
	for ii := range data {
		data[ii] = value
	}
	out := make([][]T, dim0)
	for ii := range out {
		out[ii] = data[ii*dim1 : (ii+1)*dim1 : (ii+1)*dim1]
	}
	return out
}

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Gather returns the elements of slice at the given indices, in the order of indices.
func Gather[T any](slice []T, indices []int) []T {
	out := make([]T, len(indices))
	for ii, idx := range indices {
		out[ii] = slice[idx]
	}
	return out
}

// ArgSortDesc returns the indices that sort values in descending order.
// The sort is stable: equal values keep their original relative order.
func ArgSortDesc[T cmp.Ordered](values []T) []int {
	indices := Iota(0, len(values))
	sort.SliceStable(indices, func(i, j int) bool {
		return values[indices[i]] > values[indices[j]]
	})
	return indices
}

// Concat concatenates the rows of all given 2D slices, in order. Rows are not copied.
func Concat[T any](parts ...[][]T) [][]T {
	var total int
	for _, part := range parts {
		total += len(part)
	}
	out := make([][]T, 0, total)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

// CheckDims panics (with exceptions.Panicf) if any row of the batch doesn't have dimension dim.
// `what` names the batch in the error message.
func CheckDims[T any](what string, rows [][]T, dim int) {
	for ii, row := range rows {
		if len(row) != dim {
			exceptions.Panicf("%s[%d] has dimension %d, expected %d", what, ii, len(row), dim)
		}
	}
}

// AllFinite returns whether all values are finite (not NaN nor ±Inf).
func AllFinite[T constraints.Float](values []T) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ColumnMeanStd returns the per-column mean and (population) standard deviation of the rows.
// Standard deviations smaller than minStd are replaced by minStd.
func ColumnMeanStd(rows [][]float64, minStd float64) (mean, std []float64) {
	if len(rows) == 0 {
		return nil, nil
	}
	dim := len(rows[0])
	mean = make([]float64, dim)
	std = make([]float64, dim)
	for _, row := range rows {
		for jj, v := range row {
			mean[jj] += v
		}
	}
	n := float64(len(rows))
	for jj := range mean {
		mean[jj] /= n
	}
	for _, row := range rows {
		for jj, v := range row {
			d := v - mean[jj]
			std[jj] += d * d
		}
	}
	for jj := range std {
		std[jj] = math.Sqrt(std[jj] / n)
		if std[jj] < minStd {
			std[jj] = minStd
		}
	}
	return
}
