// Package view implements View and ShapeTracker, the lazy multidimensional
// index arithmetic that lets reshape/permute/pad/slice/flip compose without
// forcing a copy (spec.md §3.2). A ShapeTracker folds a linear output index
// into a scalar.Expr that computes the source-buffer linear index.
package view

import (
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/scalar"
)

// Mask declares, per dimension, the half-open range of valid indices;
// reads outside it yield the dtype's zero.
type Mask struct {
	Begin, End int64
}

// View is {shape, strides, offset, mask?} (spec.md §3.2). A zero stride
// means that dimension is broadcast: every index along it reads the same
// source element.
type View struct {
	Shape   []int64
	Strides []int64
	Offset  int64
	Mask    []Mask // nil if unmasked; otherwise one entry per dimension.
}

// Size returns the number of elements described by shape.
func (v *View) Size() int64 {
	n := int64(1)
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// NewContiguous returns the default row-major view over shape: zero
// offset, no mask, and stride-1-dimension canonicalization (a dimension
// of size 1 always has stride 0).
func NewContiguous(shape []int64) *View {
	for _, d := range shape {
		if d < 0 {
			errkit.Panicf("view.NewContiguous: negative dimension in shape %v", shape)
		}
	}
	strides := make([]int64, len(shape))
	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 1 {
			strides[i] = 0
		} else {
			strides[i] = stride
		}
		stride *= shape[i]
	}
	return &View{Shape: append([]int64{}, shape...), Strides: strides}
}

// IsContiguous reports whether v is exactly the default row-major view:
// zero offset, no mask, and the canonical strides NewContiguous(v.Shape)
// would produce.
func (v *View) IsContiguous() bool {
	if v.Offset != 0 || v.Mask != nil {
		return false
	}
	want := NewContiguous(v.Shape)
	for i := range v.Strides {
		if v.Strides[i] != want.Strides[i] {
			return false
		}
	}
	return true
}

func (v *View) clone() *View {
	out := &View{
		Shape:   append([]int64{}, v.Shape...),
		Strides: append([]int64{}, v.Strides...),
		Offset:  v.Offset,
	}
	if v.Mask != nil {
		out.Mask = append([]Mask{}, v.Mask...)
	}
	return out
}

// Reshape returns a new view over newShape if it can be expressed by a
// stride rewrite (fusing/splitting adjacent dimensions with compatible
// strides), or nil if it cannot and a new view must be appended instead.
func (v *View) Reshape(newShape []int64) *View {
	oldSize, newSize := v.Size(), int64(1)
	for _, d := range newShape {
		newSize *= d
	}
	if oldSize != newSize {
		errkit.Panicf("view.Reshape: size mismatch %d vs %d (shape %v -> %v)", oldSize, newSize, v.Shape, newShape)
	}
	if v.Mask != nil {
		return nil // a masked view's reshape can change which elements a masked region covers; punt to a new view.
	}
	if !v.IsContiguous() {
		// Only the fully contiguous case is guaranteed foldable by a
		// simple stride rewrite; non-contiguous reshapes (e.g. over a
		// permuted view) need the general algorithm, which this compiler
		// declines to attempt and instead appends a view.
		return nil
	}
	return NewContiguous(newShape)
}

// Permute returns the view with dimensions reordered by axes, a permutation of [0,len(shape)).
func (v *View) Permute(axes []int) *View {
	if len(axes) != len(v.Shape) {
		errkit.Panicf("view.Permute: axes length %d does not match rank %d", len(axes), len(v.Shape))
	}
	out := &View{Offset: v.Offset}
	out.Shape = make([]int64, len(axes))
	out.Strides = make([]int64, len(axes))
	if v.Mask != nil {
		out.Mask = make([]Mask, len(axes))
	}
	for i, ax := range axes {
		out.Shape[i] = v.Shape[ax]
		out.Strides[i] = v.Strides[ax]
		if v.Mask != nil {
			out.Mask[i] = v.Mask[ax]
		}
	}
	return out
}

// Shrink returns the view restricted to [begins[i], ends[i]) along each
// dimension i: the offset absorbs begins, and the mask (if any new region
// is introduced) tightens.
func (v *View) Shrink(begins, ends []int64) *View {
	if len(begins) != len(v.Shape) || len(ends) != len(v.Shape) {
		errkit.Panicf("view.Shrink: begins/ends length must match rank %d", len(v.Shape))
	}
	out := v.clone()
	for i := range v.Shape {
		if begins[i] < 0 || ends[i] > v.Shape[i] || begins[i] > ends[i] {
			errkit.Panicf("view.Shrink: invalid range [%d,%d) for dimension %d of size %d", begins[i], ends[i], i, v.Shape[i])
		}
		out.Offset += begins[i] * v.Strides[i]
		out.Shape[i] = ends[i] - begins[i]
		if out.Mask != nil {
			m := out.Mask[i]
			out.Mask[i] = Mask{Begin: max64(0, m.Begin-begins[i]), End: min64(out.Shape[i], m.End-begins[i])}
		}
	}
	canonicalizeSingletons(out)
	return out
}

// Expand turns size-1 dimensions into broadcasts over newShape: each
// dimension must either already match newShape or be size 1 in v.
func (v *View) Expand(newShape []int64) *View {
	if len(newShape) != len(v.Shape) {
		errkit.Panicf("view.Expand: shape length %d does not match rank %d", len(newShape), len(v.Shape))
	}
	out := v.clone()
	for i := range newShape {
		if v.Shape[i] == newShape[i] {
			continue
		}
		if v.Shape[i] != 1 {
			errkit.Panicf("view.Expand: dimension %d has size %d, cannot expand to %d", i, v.Shape[i], newShape[i])
		}
		out.Shape[i] = newShape[i]
		out.Strides[i] = 0
		if out.Mask != nil {
			out.Mask[i] = Mask{Begin: 0, End: newShape[i]}
		}
	}
	return out
}

// Pad enlarges the shape by begins[i]+ends[i] along each dimension i and
// installs a mask excluding the new region.
func (v *View) Pad(begins, ends []int64) *View {
	if len(begins) != len(v.Shape) || len(ends) != len(v.Shape) {
		errkit.Panicf("view.Pad: begins/ends length must match rank %d", len(v.Shape))
	}
	out := v.clone()
	out.Mask = make([]Mask, len(v.Shape))
	for i := range v.Shape {
		if begins[i] < 0 || ends[i] < 0 {
			errkit.Panicf("view.Pad: negative padding at dimension %d", i)
		}
		var prevBegin, prevEnd int64
		if v.Mask != nil {
			prevBegin, prevEnd = v.Mask[i].Begin, v.Mask[i].End
		} else {
			prevBegin, prevEnd = 0, v.Shape[i]
		}
		out.Shape[i] = begins[i] + v.Shape[i] + ends[i]
		out.Mask[i] = Mask{Begin: prevBegin + begins[i], End: prevEnd + begins[i]}
		out.Offset -= begins[i] * v.Strides[i]
	}
	return out
}

// Flip negates the stride and shifts the offset to the last element, for
// each dimension named in axes.
func (v *View) Flip(axes []int) *View {
	out := v.clone()
	for _, ax := range axes {
		if ax < 0 || ax >= len(v.Shape) {
			errkit.Panicf("view.Flip: axis %d out of range for rank %d", ax, len(v.Shape))
		}
		if v.Shape[ax] == 0 {
			continue
		}
		out.Offset += (v.Shape[ax] - 1) * v.Strides[ax]
		out.Strides[ax] = -v.Strides[ax]
		if out.Mask != nil {
			m := out.Mask[ax]
			size := v.Shape[ax]
			out.Mask[ax] = Mask{Begin: size - m.End, End: size - m.Begin}
		}
	}
	return out
}

func canonicalizeSingletons(v *View) {
	for i, d := range v.Shape {
		if d == 1 {
			v.Strides[i] = 0
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// IndexExpr folds linear output index idx (a scalar.Expr of dtype Int32)
// into the scalar-buffer linear index this view reads from, composed of
// the per-dimension unravel of idx against Shape, weighted by Strides and
// offset by Offset. For a masked view, inBounds is the AND of the
// per-dimension mask checks (nil for an unmasked view); index itself is
// not wrapped, and the caller combines inBounds with any surrounding
// mask check and guards the read with it.
func (v *View) IndexExpr(idx *scalar.Expr) (index *scalar.Expr, inBounds *scalar.Expr) {
	return v.IndexExprFromCoords(Unravel(idx, v.Shape))
}

// IndexExprFromCoords is IndexExpr's per-dimension-coordinate entry
// point, used directly by reductions that already hold a coordinate per
// dimension rather than a single linear index to unravel.
func (v *View) IndexExprFromCoords(coords []*scalar.Expr) (index *scalar.Expr, inBounds *scalar.Expr) {
	index = scalar.NewConst(scalar.ValueOf(int64ToInt32(v.Offset)))
	for i, coord := range coords {
		if v.Strides[i] != 0 {
			term := scalar.NewBinary(scalar.OpMul, coord, scalar.NewConst(scalar.ValueOf(int64ToInt32(v.Strides[i]))))
			index = scalar.NewBinary(scalar.OpAdd, index, term)
		}
		if v.Mask != nil {
			check := maskCheck(coord, v.Mask[i])
			if inBounds == nil {
				inBounds = check
			} else {
				inBounds = scalar.NewBinary(scalar.OpMul, inBounds, check) // boolean Mul is AND.
			}
		}
	}
	return index, inBounds
}

// Unravel decomposes a row-major linear index into one coordinate per
// dimension of shape, most-significant dimension first. Exported for
// reuse by callers (e.g. package array's reduction builder) that compose
// coordinates directly rather than going through a View.
func Unravel(idx *scalar.Expr, shape []int64) []*scalar.Expr {
	coords := make([]*scalar.Expr, len(shape))
	remaining := idx
	for i := len(shape) - 1; i >= 0; i-- {
		dim := shape[i]
		if dim == 1 {
			coords[i] = scalar.NewConst(scalar.ValueOf(int32(0)))
			continue
		}
		dimExpr := scalar.NewConst(scalar.ValueOf(int64ToInt32(dim)))
		coords[i] = scalar.NewBinary(scalar.OpMod, remaining, dimExpr)
		remaining = scalar.NewBinary(scalar.OpIDiv, remaining, dimExpr)
	}
	return coords
}

// Ravel composes one coordinate per dimension of shape into a row-major
// linear index, the inverse of Unravel.
func Ravel(coords []*scalar.Expr, shape []int64) *scalar.Expr {
	index := scalar.NewConst(scalar.ValueOf(int32(0)))
	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			term := scalar.NewBinary(scalar.OpMul, coords[i], scalar.NewConst(scalar.ValueOf(int64ToInt32(stride))))
			index = scalar.NewBinary(scalar.OpAdd, index, term)
		}
		stride *= shape[i]
	}
	return index
}

func maskCheck(coord *scalar.Expr, m Mask) *scalar.Expr {
	begin := scalar.NewConst(scalar.ValueOf(int64ToInt32(m.Begin)))
	end := scalar.NewConst(scalar.ValueOf(int64ToInt32(m.End)))
	geBegin := scalar.NewNot(scalar.NewCompare(scalar.OpCmpLt, coord, begin))
	ltEnd := scalar.NewCompare(scalar.OpCmpLt, coord, end)
	return scalar.NewBinary(scalar.OpMul, geBegin, ltEnd)
}

func int64ToInt32(x int64) int32 {
	if x > int64(^uint32(0)>>1) || x < -int64(^uint32(0)>>1)-1 {
		errkit.Panicf("view: index value %d overflows int32", x)
	}
	return int32(x)
}
