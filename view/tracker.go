package view

import (
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/scalar"
)

// ShapeTracker is a non-empty ordered sequence of views, applied
// right-to-left: Views[0] is closest to the user, Views[len-1] is closest
// to the backing buffer (spec.md §3.2).
type ShapeTracker struct {
	Views []*View
}

// NewShapeTracker returns a tracker with a single contiguous view over shape.
func NewShapeTracker(shape []int64) *ShapeTracker {
	return &ShapeTracker{Views: []*View{NewContiguous(shape)}}
}

// Shape returns the user-visible shape: the shape of the leftmost view.
func (t *ShapeTracker) Shape() []int64 {
	return t.Views[0].Shape
}

// Size returns the number of user-visible elements.
func (t *ShapeTracker) Size() int64 {
	return t.Views[0].Size()
}

// Contiguous reports whether t is a single view with default row-major
// strides, zero offset, and no mask.
func (t *ShapeTracker) Contiguous() bool {
	return len(t.Views) == 1 && t.Views[0].IsContiguous()
}

func (t *ShapeTracker) top() *View {
	return t.Views[0]
}

// push returns a tracker with the leftmost view replaced by newTop if
// fuse is true, or newTop placed ahead of the existing views if fuse is
// false.
func (t *ShapeTracker) push(newTop *View, fuse bool) *ShapeTracker {
	views := make([]*View, len(t.Views))
	copy(views, t.Views)
	if fuse {
		views[0] = newTop
	} else {
		views = append([]*View{newTop}, views...)
	}
	return &ShapeTracker{Views: views}
}

// Reshape returns the tracker with the user-visible shape changed to
// newShape. When the leftmost view can express it via a stride rewrite, it
// is fused in place; otherwise a fresh contiguous view is appended ahead
// (since indexing always starts consuming a new shape from a contiguous
// walk of the previous view's logical elements).
func (t *ShapeTracker) Reshape(newShape []int64) *ShapeTracker {
	if fused := t.top().Reshape(newShape); fused != nil {
		return t.push(fused, true)
	}
	return t.push(NewContiguous(newShape), false)
}

// Permute returns the tracker with the user-visible dimensions reordered.
func (t *ShapeTracker) Permute(axes []int) *ShapeTracker {
	return t.push(t.top().Permute(axes), true)
}

// Shrink returns the tracker restricted to [begins[i],ends[i]) per user-visible dimension.
func (t *ShapeTracker) Shrink(begins, ends []int64) *ShapeTracker {
	return t.push(t.top().Shrink(begins, ends), true)
}

// Expand returns the tracker broadcast to newShape.
func (t *ShapeTracker) Expand(newShape []int64) *ShapeTracker {
	return t.push(t.top().Expand(newShape), true)
}

// Pad returns the tracker zero-padded by begins/ends per user-visible dimension.
func (t *ShapeTracker) Pad(begins, ends []int64) *ShapeTracker {
	return t.push(t.top().Pad(begins, ends), true)
}

// Flip returns the tracker with the named user-visible axes reversed.
func (t *ShapeTracker) Flip(axes []int) *ShapeTracker {
	return t.push(t.top().Flip(axes), true)
}

// IndexExpr folds a user-visible linear index idx into the backing-buffer
// linear index, composing views right-to-left: the leftmost view's
// IndexExpr produces an index into the next view's logical element space,
// which is itself folded by that view, and so on down to the buffer.
func (t *ShapeTracker) IndexExpr(idx *scalar.Expr) (index *scalar.Expr, inBounds *scalar.Expr) {
	index = idx
	for _, v := range t.Views {
		next, bounds := v.IndexExpr(index)
		index = next
		if bounds != nil {
			if inBounds == nil {
				inBounds = bounds
			} else {
				inBounds = scalar.NewBinary(scalar.OpMul, inBounds, bounds)
			}
		}
	}
	return index, inBounds
}

// IndexExprFromCoords folds one coordinate per user-visible dimension
// into the backing-buffer linear index, via the leftmost view's
// IndexExprFromCoords and then composing the remaining views right-to-left
// exactly as IndexExpr does.
func (t *ShapeTracker) IndexExprFromCoords(coords []*scalar.Expr) (index *scalar.Expr, inBounds *scalar.Expr) {
	index, inBounds = t.Views[0].IndexExprFromCoords(coords)
	for _, v := range t.Views[1:] {
		next, bounds := v.IndexExpr(index)
		index = next
		if bounds != nil {
			if inBounds == nil {
				inBounds = bounds
			} else {
				inBounds = scalar.NewBinary(scalar.OpMul, inBounds, bounds)
			}
		}
	}
	return index, inBounds
}

// MaterializeExprFromCoords is MaterializeExpr's per-dimension-coordinate entry point.
func (t *ShapeTracker) MaterializeExprFromCoords(gid int, dt dtypes.DType, coords []*scalar.Expr) *scalar.Expr {
	bufIndex, inBounds := t.IndexExprFromCoords(coords)
	read := scalar.NewGlobalIndex(gid, dt, bufIndex)
	if inBounds == nil {
		return scalar.Simplify(read)
	}
	zero := scalar.NewConst(scalar.Value{DType: dt})
	return scalar.Simplify(scalar.NewWhere(inBounds, read, zero))
}

// MaterializeExpr wraps a GlobalIndex read of buffer gid through the
// tracker's full index fold, substituting the dtype's zero on a masked
// out-of-bounds read, and runs Simplify on the result.
func (t *ShapeTracker) MaterializeExpr(gid int, dt dtypes.DType, idx *scalar.Expr) *scalar.Expr {
	bufIndex, inBounds := t.IndexExpr(idx)
	read := scalar.NewGlobalIndex(gid, dt, bufIndex)
	if inBounds == nil {
		return scalar.Simplify(read)
	}
	zero := scalar.NewConst(scalar.Value{DType: dt})
	return scalar.Simplify(scalar.NewWhere(inBounds, read, zero))
}
