package array

import (
	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// Dot contracts a's last axis against b's first axis, a 2-D matrix
// product when both are rank 2. There is no dedicated contraction
// primitive (spec.md §4.1); this builds it from Mul (after broadcasting
// both operands to a shared rank) and Sum, the same decomposition
// package ops/einsum uses for each pairwise contraction it plans.
func (a *Array) Dot(b *Array) *Array {
	if len(a.Shape()) != 2 || len(b.Shape()) != 2 {
		errkit.Throw(errs.NewShapeError("array.Dot: only rank-2 operands are supported, got shapes %v and %v", a.Shape(), b.Shape()))
	}
	m, k := a.Shape()[0], a.Shape()[1]
	k2, n := b.Shape()[0], b.Shape()[1]
	if k != k2 {
		errkit.Throw(errs.NewShapeError("array.Dot: inner dimensions disagree: %d vs %d", k, k2))
	}
	// a[m,k] -> [m,k,1] broadcast to [m,k,n]; b[k,n] -> [1,k,n] broadcast to [m,k,n].
	aExp := a.Reshape([]int64{m, k, 1}).BroadcastTo([]int64{m, k, n})
	defer aExp.Dispose()
	bExp := b.Reshape([]int64{1, k, n}).BroadcastTo([]int64{m, k, n})
	defer bExp.Dispose()
	prod := aExp.Mul(bExp)
	defer prod.Dispose()
	return prod.Sum([]int{1}, false)
}

// MatMul is an alias for Dot restricted to its rank-2 contraction.
func (a *Array) MatMul(b *Array) *Array { return a.Dot(b) }

// Eye returns the n×n identity matrix.
func Eye(backend backends.Backend, dtype dtypes.DType, n int64) *Array {
	data := make([]byte, n*n*int64(dtype.Size()))
	one := oneOf(dtype)
	elem := make([]byte, dtype.Size())
	writeElem(elem, one)
	for i := int64(0); i < n; i++ {
		off := (i*n + i) * int64(dtype.Size())
		copy(data[off:], elem)
	}
	return FromBytes(backend, dtype, []int64{n, n}, data)
}

// Concat joins arrays along axis, eagerly: unlike the shape ops in
// viewops.go, there is no single coordinate remap that reads from more
// than one source array's position space, so this materializes every
// operand and copies bytes into a fresh buffer rather than extending the
// lazy fusion machinery to multi-source view ops.
func Concat(axis int, arrays ...*Array) *Array {
	if len(arrays) == 0 {
		errkit.Throw(errs.NewShapeError("array.Concat: no arrays given"))
	}
	first := arrays[0]
	rank := len(first.Shape())
	if axis < 0 || axis >= rank {
		errkit.Throw(errs.NewShapeError("array.Concat: axis %d out of range for rank %d", axis, rank))
	}
	outShape := append([]int64{}, first.Shape()...)
	outShape[axis] = 0
	for _, a := range arrays {
		if len(a.Shape()) != rank {
			errkit.Throw(errs.NewShapeError("array.Concat: rank mismatch %v vs %v", first.Shape(), a.Shape()))
		}
		for i := 0; i < rank; i++ {
			if i != axis && a.Shape()[i] != first.Shape()[i] {
				errkit.Throw(errs.NewShapeError("array.Concat: shape mismatch on non-concat axis %d: %v vs %v", i, first.Shape(), a.Shape()))
			}
		}
		outShape[axis] += a.Shape()[axis]
	}

	elemSize := int64(first.dtype.Size())
	outerSize := int64(1)
	for i := 0; i < axis; i++ {
		outerSize *= outShape[i]
	}
	innerSize := int64(1)
	for i := axis + 1; i < rank; i++ {
		innerSize *= outShape[i]
	}
	out := make([]byte, product64(outShape)*elemSize)
	axisOffset := int64(0)
	for _, a := range arrays {
		data := a.Data()
		axisLen := a.Shape()[axis]
		rowBytes := axisLen * innerSize * elemSize
		outRowBytes := outShape[axis] * innerSize * elemSize
		for o := int64(0); o < outerSize; o++ {
			src := data[o*rowBytes : (o+1)*rowBytes]
			dstStart := o*outRowBytes + axisOffset*innerSize*elemSize
			copy(out[dstStart:dstStart+rowBytes], src)
		}
		axisOffset += axisLen
	}
	return FromBytes(first.backend, first.dtype, outShape, out)
}

// Stack joins arrays along a new leading axis.
func Stack(arrays ...*Array) *Array {
	if len(arrays) == 0 {
		errkit.Throw(errs.NewShapeError("array.Stack: no arrays given"))
	}
	expanded := make([]*Array, len(arrays))
	newShape := append([]int64{1}, arrays[0].Shape()...)
	for i, a := range arrays {
		expanded[i] = a.Reshape(newShape)
	}
	out := Concat(0, expanded...)
	for _, e := range expanded {
		e.Dispose()
	}
	return out
}
