package array

import (
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/tracekernel/tracekernel/view"
)

// Shape ops never need a dedicated kernel entry of their own: each is
// expressed as a coordinate remap from the new shape's gidx back to a
// linear position in the operand's own shape, fed through the same
// inline() fusion used by elementwise ops. A shape op chained straight
// into a pointwise consumer therefore costs nothing extra (its
// pass-through GlobalIndex inlines away); read in isolation it costs one
// pass-through dispatch, the one place this diverges from never
// materializing a buffer for a bare view op (see DESIGN.md).
func viewResult(newShape []int64, posExpr *scalar.Expr, a *Array) *Array {
	var combined []*Array
	expr := inline(a, posExpr, &combined)
	return pointwiseResult(newShape, expr, combined, a)
}

// Reshape returns a with its user-visible shape changed to newShape.
// Row-major element order is preserved, so the position in a's shape for
// output element gidx is gidx itself.
func (a *Array) Reshape(newShape []int64) *Array {
	if product64(newShape) != product64(a.Shape()) {
		errkit.Throw(errs.NewShapeError("array.Reshape: size mismatch %d vs %d (shape %v -> %v)", product64(a.Shape()), product64(newShape), a.Shape(), newShape))
	}
	gidx := gidxSpecial(product64(newShape))
	return viewResult(newShape, gidx, a)
}

// Transpose returns a with dimensions reordered by perm, a permutation of [0,rank).
func (a *Array) Transpose(perm []int) *Array {
	old := a.Shape()
	if len(perm) != len(old) {
		errkit.Throw(errs.NewShapeError("array.Transpose: perm length %d does not match rank %d", len(perm), len(old)))
	}
	newShape := make([]int64, len(old))
	for i, ax := range perm {
		newShape[i] = old[ax]
	}
	gidx := gidxSpecial(product64(newShape))
	newCoords := view.Unravel(gidx, newShape)
	oldCoords := make([]*scalar.Expr, len(old))
	for i, ax := range perm {
		oldCoords[ax] = newCoords[i]
	}
	posExpr := view.Ravel(oldCoords, old)
	return viewResult(newShape, posExpr, a)
}

// BroadcastTo returns a broadcast to target: a's shape must be a numpy-style
// suffix match of target, each mismatched dimension being size 1 in a.
func (a *Array) BroadcastTo(target []int64) *Array {
	old := a.Shape()
	if len(old) > len(target) {
		errkit.Throw(errs.NewShapeError("array.BroadcastTo: cannot broadcast rank %d to rank %d", len(old), len(target)))
	}
	rankDiff := len(target) - len(old)
	gidx := gidxSpecial(product64(target))
	newCoords := view.Unravel(gidx, target)
	oldCoords := make([]*scalar.Expr, len(old))
	for i := range old {
		ti := i + rankDiff
		if old[i] == target[ti] {
			oldCoords[i] = newCoords[ti]
		} else if old[i] == 1 {
			oldCoords[i] = constI32(0)
		} else {
			errkit.Throw(errs.NewShapeError("array.BroadcastTo: dimension %d has size %d, cannot broadcast to %d", i, old[i], target[ti]))
		}
	}
	posExpr := view.Ravel(oldCoords, old)
	return viewResult(target, posExpr, a)
}

// Slice returns a restricted to [begins[i], ends[i]) along each dimension i.
func (a *Array) Slice(begins, ends []int64) *Array {
	old := a.Shape()
	if len(begins) != len(old) || len(ends) != len(old) {
		errkit.Throw(errs.NewShapeError("array.Slice: begins/ends length must match rank %d", len(old)))
	}
	newShape := make([]int64, len(old))
	for i := range old {
		if begins[i] < 0 || ends[i] > old[i] || begins[i] > ends[i] {
			errkit.Throw(errs.NewShapeError("array.Slice: invalid range [%d,%d) for dimension %d of size %d", begins[i], ends[i], i, old[i]))
		}
		newShape[i] = ends[i] - begins[i]
	}
	gidx := gidxSpecial(product64(newShape))
	newCoords := view.Unravel(gidx, newShape)
	oldCoords := make([]*scalar.Expr, len(old))
	for i := range old {
		oldCoords[i] = scalar.NewBinary(scalar.OpAdd, newCoords[i], constI32(begins[i]))
	}
	posExpr := view.Ravel(oldCoords, old)
	return viewResult(newShape, posExpr, a)
}

// Flip reverses the named axes.
func (a *Array) Flip(axes []int) *Array {
	old := a.Shape()
	reversed := make(map[int]bool, len(axes))
	for _, ax := range axes {
		if ax < 0 || ax >= len(old) {
			errkit.Throw(errs.NewShapeError("array.Flip: axis %d out of range for rank %d", ax, len(old)))
		}
		reversed[ax] = true
	}
	gidx := gidxSpecial(product64(old))
	newCoords := view.Unravel(gidx, old)
	oldCoords := make([]*scalar.Expr, len(old))
	for i := range old {
		if reversed[i] {
			size := constI32(old[i] - 1)
			oldCoords[i] = scalar.NewBinary(scalar.OpSub, size, newCoords[i])
		} else {
			oldCoords[i] = newCoords[i]
		}
	}
	posExpr := view.Ravel(oldCoords, old)
	return viewResult(old, posExpr, a)
}

func boundsCheck(coord *scalar.Expr, size int64) *scalar.Expr {
	zero := constI32(0)
	sizeExpr := constI32(size)
	geZero := scalar.NewNot(scalar.NewCompare(scalar.OpCmpLt, coord, zero))
	ltSize := scalar.NewCompare(scalar.OpCmpLt, coord, sizeExpr)
	return scalar.NewBinary(scalar.OpMul, geZero, ltSize)
}

// Pad enlarges a by begins[i]+ends[i] zeros along each dimension i.
func (a *Array) Pad(begins, ends []int64) *Array {
	old := a.Shape()
	if len(begins) != len(old) || len(ends) != len(old) {
		errkit.Throw(errs.NewShapeError("array.Pad: begins/ends length must match rank %d", len(old)))
	}
	newShape := make([]int64, len(old))
	for i := range old {
		if begins[i] < 0 || ends[i] < 0 {
			errkit.Throw(errs.NewShapeError("array.Pad: negative padding at dimension %d", i))
		}
		newShape[i] = begins[i] + old[i] + ends[i]
	}
	gidx := gidxSpecial(product64(newShape))
	newCoords := view.Unravel(gidx, newShape)
	oldCoords := make([]*scalar.Expr, len(old))
	var inBounds *scalar.Expr
	for i := range old {
		shifted := scalar.NewBinary(scalar.OpSub, newCoords[i], constI32(begins[i]))
		oldCoords[i] = shifted
		check := boundsCheck(shifted, old[i])
		if inBounds == nil {
			inBounds = check
		} else {
			inBounds = scalar.NewBinary(scalar.OpMul, inBounds, check)
		}
	}
	posExpr := view.Ravel(oldCoords, old)

	var combined []*Array
	read := inline(a, posExpr, &combined)
	zero := scalar.NewConst(scalar.Value{DType: a.dtype})
	expr := scalar.NewWhere(inBounds, read, zero)
	return pointwiseResult(newShape, expr, combined, a)
}

// Cast returns a with element type newDType. Only the identity cast
// (newDType equal to a's dtype) is supported; any other target dtype,
// including bool<->numeric, throws a DtypeError (this IR has no dedicated
// Cast node, spec.md §3.1).
func (a *Array) Cast(newDType dtypes.DType) *Array {
	if newDType == a.dtype {
		return a.Reshape(a.Shape())
	}
	errkit.Throw(errs.NewDtypeError("array.Cast: no cast rule from %s to %s (this IR has no dedicated cast op)", a.dtype, newDType))
	panic("unreachable")
}
