package view

import (
	"testing"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/scalar"
)

// naiveArray is the copying reference a fuzzed tracker is checked
// against: every view op eagerly rewrites a row-major buffer, padding
// with zero.
type naiveArray struct {
	dims []int64
	data []int32
}

func (n *naiveArray) size() int64 {
	s := int64(1)
	for _, d := range n.dims {
		s *= d
	}
	return s
}

func (n *naiveArray) forEach(visit func(coord []int64, lin int64)) {
	coord := make([]int64, len(n.dims))
	for lin := int64(0); lin < n.size(); lin++ {
		rem := lin
		for i := len(n.dims) - 1; i >= 0; i-- {
			coord[i] = rem % n.dims[i]
			rem /= n.dims[i]
		}
		visit(coord, lin)
	}
}

func (n *naiveArray) at(coord []int64) int32 {
	lin := int64(0)
	for i, d := range n.dims {
		lin = lin*d + coord[i]
	}
	return n.data[lin]
}

func (n *naiveArray) permute(axes []int) {
	newDims := make([]int64, len(n.dims))
	for i, ax := range axes {
		newDims[i] = n.dims[ax]
	}
	out := &naiveArray{dims: newDims, data: make([]int32, n.size())}
	old := make([]int64, len(n.dims))
	out.forEach(func(coord []int64, lin int64) {
		for i, ax := range axes {
			old[ax] = coord[i]
		}
		out.data[lin] = n.at(old)
	})
	*n = *out
}

func (n *naiveArray) shrink(begins, ends []int64) {
	newDims := make([]int64, len(n.dims))
	for i := range n.dims {
		newDims[i] = ends[i] - begins[i]
	}
	out := &naiveArray{dims: newDims}
	out.data = make([]int32, out.size())
	old := make([]int64, len(n.dims))
	out.forEach(func(coord []int64, lin int64) {
		for i := range coord {
			old[i] = coord[i] + begins[i]
		}
		out.data[lin] = n.at(old)
	})
	*n = *out
}

func (n *naiveArray) flip(axes []int) {
	flipped := make(map[int]bool, len(axes))
	for _, ax := range axes {
		flipped[ax] = true
	}
	out := &naiveArray{dims: append([]int64{}, n.dims...), data: make([]int32, n.size())}
	old := make([]int64, len(n.dims))
	out.forEach(func(coord []int64, lin int64) {
		for i := range coord {
			if flipped[i] {
				old[i] = n.dims[i] - 1 - coord[i]
			} else {
				old[i] = coord[i]
			}
		}
		out.data[lin] = n.at(old)
	})
	*n = *out
}

func (n *naiveArray) pad(begins, ends []int64) {
	newDims := make([]int64, len(n.dims))
	for i := range n.dims {
		newDims[i] = begins[i] + n.dims[i] + ends[i]
	}
	out := &naiveArray{dims: newDims}
	out.data = make([]int32, out.size())
	old := make([]int64, len(n.dims))
	out.forEach(func(coord []int64, lin int64) {
		for i := range coord {
			old[i] = coord[i] - begins[i]
			if old[i] < 0 || old[i] >= n.dims[i] {
				return
			}
		}
		out.data[lin] = n.at(old)
	})
	*n = *out
}

func (n *naiveArray) expand(newShape []int64) {
	out := &naiveArray{dims: newShape}
	out.data = make([]int32, out.size())
	old := make([]int64, len(n.dims))
	out.forEach(func(coord []int64, lin int64) {
		for i := range coord {
			if n.dims[i] == 1 {
				old[i] = 0
			} else {
				old[i] = coord[i]
			}
		}
		out.data[lin] = n.at(old)
	})
	*n = *out
}

func (n *naiveArray) reshape(newShape []int64) {
	n.dims = newShape
}

// bufBindings reads the pristine source buffer a fuzzed tracker folds
// indices into.
type bufBindings struct {
	source []int32
}

func (b *bufBindings) Special(string) (scalar.Value, bool) {
	return scalar.Value{}, false
}

func (b *bufBindings) GlobalIndex(gid int, index int32, dtype dtypes.DType) scalar.Value {
	return scalar.Value{DType: dtypes.Int32, I32: b.source[index]}
}

// FuzzShapeTrackerMatchesNaiveReference applies a fuzz-chosen sequence
// of view ops both to a ShapeTracker (lazy index rewriting over the
// original buffer) and to a naive reference that copies data on every
// step, then checks the tracker's folded index expression reads the
// same value at every output position. Source values start at 1 so a
// masked zero is distinguishable from element zero.
func FuzzShapeTrackerMatchesNaiveReference(f *testing.F) {
	f.Add([]byte{0, 1, 2})
	f.Add([]byte{3, 0, 4, 1})
	f.Add([]byte{5, 3, 3, 2, 0})
	f.Fuzz(func(t *testing.T, ops []byte) {
		if len(ops) > 8 {
			ops = ops[:8]
		}
		dims := []int64{2, 3, 2}
		source := make([]int32, 12)
		for i := range source {
			source[i] = int32(i) + 1
		}
		st := NewShapeTracker(dims)
		ref := &naiveArray{dims: append([]int64{}, dims...), data: append([]int32{}, source...)}

		for step, op := range ops {
			rank := len(ref.dims)
			if rank == 0 {
				break
			}
			switch op % 6 {
			case 0: // rotate axes left by one.
				axes := make([]int, rank)
				for i := range axes {
					axes[i] = (i + 1) % rank
				}
				st = st.Permute(axes)
				ref.permute(axes)
			case 1: // shave the last element off the widest dimension.
				widest := 0
				for i, d := range ref.dims {
					if d > ref.dims[widest] {
						widest = i
					}
				}
				if ref.dims[widest] < 2 {
					continue
				}
				begins := make([]int64, rank)
				ends := append([]int64{}, ref.dims...)
				ends[widest]--
				st = st.Shrink(begins, ends)
				ref.shrink(begins, ends)
			case 2: // flip the step-th axis.
				axes := []int{step % rank}
				st = st.Flip(axes)
				ref.flip(axes)
			case 3: // pad one element on both sides of the step-th axis.
				begins := make([]int64, rank)
				ends := make([]int64, rank)
				begins[step%rank] = 1
				ends[step%rank] = 1
				st = st.Pad(begins, ends)
				ref.pad(begins, ends)
			case 4: // expand the first size-1 dimension, if any.
				target := -1
				for i, d := range ref.dims {
					if d == 1 {
						target = i
						break
					}
				}
				if target < 0 {
					continue
				}
				newShape := append([]int64{}, ref.dims...)
				newShape[target] = 3
				st = st.Expand(newShape)
				ref.expand(newShape)
			default: // flatten to one dimension.
				newShape := []int64{ref.size()}
				st = st.Reshape(newShape)
				ref.reshape(newShape)
			}
		}

		if st.Size() != ref.size() {
			t.Fatalf("tracker size %d != reference size %d", st.Size(), ref.size())
		}
		bindings := &bufBindings{source: source}
		for i := int64(0); i < ref.size(); i++ {
			expr := st.MaterializeExpr(0, dtypes.Int32, scalar.NewConst(scalar.ValueOf(int32(i))))
			got := scalar.Eval(expr, bindings)
			if got.I32 != ref.data[i] {
				t.Fatalf("index %d: tracker read %d, reference holds %d (ops %v)", i, got.I32, ref.data[i], ops)
			}
		}
	})
}
