package array

import (
	"math"

	"github.com/google/uuid"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/tracekernel/tracekernel/view"
)

// reduceOp folds a over axes into one kernel: the output's gidx ranges
// over the kept dimensions, and each reduction step's ridx ranges over
// the flattened reduced dimensions. The per-step read position is built
// by recombining a (gidx, ridx) coordinate pair into a's own shape and
// handed to inline, so a reduction fuses with an upstream pointwise
// chain exactly like an elementwise op does.
func reduceOp(a *Array, axes []int, keepdims bool, identity scalar.Value, combine func(racc, relem *scalar.Expr) *scalar.Expr) *Array {
	old := a.Shape()
	rank := len(old)
	isReduced := make([]bool, rank)
	for _, ax := range axes {
		if ax < 0 || ax >= rank {
			errkit.Throw(errs.NewShapeError("array: reduce axis %d out of range for rank %d", ax, rank))
		}
		isReduced[ax] = true
	}
	var keptAxes, reducedAxes []int
	for ax := 0; ax < rank; ax++ {
		if isReduced[ax] {
			reducedAxes = append(reducedAxes, ax)
		} else {
			keptAxes = append(keptAxes, ax)
		}
	}
	keptShape := make([]int64, len(keptAxes))
	for i, ax := range keptAxes {
		keptShape[i] = old[ax]
	}
	reducedShape := make([]int64, len(reducedAxes))
	axisSize := int64(1)
	for i, ax := range reducedAxes {
		reducedShape[i] = old[ax]
		axisSize *= old[ax]
	}
	outSize := product64(keptShape)

	gidx := scalar.NewSpecial("gidx", outSize, dtypes.Int32)
	ridx := scalar.NewSpecial("ridx", axisSize, dtypes.Int32)
	keptCoords := view.Unravel(gidx, keptShape)
	reducedCoords := view.Unravel(ridx, reducedShape)
	fullCoords := make([]*scalar.Expr, rank)
	for i, ax := range keptAxes {
		fullCoords[ax] = keptCoords[i]
	}
	for i, ax := range reducedAxes {
		fullCoords[ax] = reducedCoords[i]
	}
	posExpr := view.Ravel(fullCoords, old)

	var combined []*Array
	elem := inline(a, posExpr, &combined)

	racc := scalar.NewSpecial("racc", 0, a.dtype)
	relem := scalar.NewSpecial("relem", 0, a.dtype)

	result := &Array{
		id:      uuid.New(),
		dtype:   a.dtype,
		backend: a.backend,
		pending: &pendingOp{
			expr:    scalar.Simplify(elem),
			sources: combined,
			reduction: &kernel.Reduction{
				AxisSize: axisSize,
				Identity: identity,
				Combine:  scalar.Simplify(combine(racc, relem)),
			},
		},
		refCount: 1,
	}

	outShape := keptShape
	if keepdims {
		outShape = make([]int64, rank)
		for ax := 0; ax < rank; ax++ {
			if isReduced[ax] {
				outShape[ax] = 1
			} else {
				outShape[ax] = old[ax]
			}
		}
	}
	result.shape = view.NewShapeTracker(outShape)
	return result
}

// Sum reduces a over axes, summing.
func (a *Array) Sum(axes []int, keepdims bool) *Array {
	zero := scalar.Value{DType: a.dtype}
	return reduceOp(a, axes, keepdims, zero, func(racc, relem *scalar.Expr) *scalar.Expr {
		return scalar.NewBinary(scalar.OpAdd, racc, relem)
	})
}

// ReduceMax reduces a over axes, taking the maximum.
func (a *Array) ReduceMax(axes []int, keepdims bool) *Array {
	return reduceOp(a, axes, keepdims, lowestValue(a.dtype), func(racc, relem *scalar.Expr) *scalar.Expr {
		cond := scalar.NewCompare(scalar.OpCmpLt, racc, relem)
		return scalar.NewWhere(cond, relem, racc)
	})
}

// ReduceMin reduces a over axes, taking the minimum.
func (a *Array) ReduceMin(axes []int, keepdims bool) *Array {
	return reduceOp(a, axes, keepdims, highestValue(a.dtype), func(racc, relem *scalar.Expr) *scalar.Expr {
		cond := scalar.NewCompare(scalar.OpCmpLt, relem, racc)
		return scalar.NewWhere(cond, relem, racc)
	})
}

// Mean reduces a over axes by averaging, via two kernel passes (reduceSum
// then a pointwise divide by the reduced element count) rather than a
// reduction epilogue, per the decided open question on multi-output
// reductions.
func (a *Array) Mean(axes []int, keepdims bool) *Array {
	if !a.dtype.IsFloat() {
		errkit.Throw(errs.NewDtypeError("array.Mean: dtype must be float, got %s", a.dtype))
	}
	count := int64(1)
	for _, ax := range axes {
		count *= a.Shape()[ax]
	}
	summed := a.Sum(axes, keepdims)
	scalarDivisor := Full(a.backend, a.dtype, []int64{}, scalar.Value{DType: a.dtype, F32: float32(count)})
	defer scalarDivisor.Dispose()
	broadcast := scalarDivisor.BroadcastTo(summed.Shape())
	defer broadcast.Dispose()
	result := summed.Div(broadcast)
	summed.Dispose()
	return result
}

func lowestValue(dt dtypes.DType) scalar.Value {
	switch dt {
	case dtypes.Int32:
		return scalar.Value{DType: dt, I32: math.MinInt32}
	case dtypes.Uint32:
		return scalar.Value{DType: dt, U32: 0}
	case dtypes.Float32, dtypes.Float16:
		return scalar.Value{DType: dt, F32: -math.MaxFloat32}
	case dtypes.Bool:
		return scalar.Value{DType: dt, Bool: false}
	default:
		errkit.Throw(errs.NewDtypeError("array: unsupported dtype %s", dt))
		panic("unreachable")
	}
}

func highestValue(dt dtypes.DType) scalar.Value {
	switch dt {
	case dtypes.Int32:
		return scalar.Value{DType: dt, I32: math.MaxInt32}
	case dtypes.Uint32:
		return scalar.Value{DType: dt, U32: math.MaxUint32}
	case dtypes.Float32, dtypes.Float16:
		return scalar.Value{DType: dt, F32: math.MaxFloat32}
	case dtypes.Bool:
		return scalar.Value{DType: dt, Bool: true}
	default:
		errkit.Throw(errs.NewDtypeError("array: unsupported dtype %s", dt))
		panic("unreachable")
	}
}
