package vmap

import (
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
)

// ProcessPrimitive dispatches prim to its batching rule (spec.md §4.3).
func (t *Trace) ProcessPrimitive(prim trace.Primitive, args []trace.Tracer, params any) []trace.Tracer {
	pairs := make([]*Batched, len(args))
	for i, a := range args {
		p, ok := a.(*Batched)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("vmap: operand %d is a %T, not a vmap.Batched", i, a))
		}
		pairs[i] = p
	}

	switch prim {
	case trace.Add, trace.Mul, trace.Neg, trace.Reciprocal, trace.Sin, trace.Cos,
		trace.Min, trace.Max, trace.Compare, trace.IDiv, trace.Mod, trace.Where:
		return []trace.Tracer{t.batchPointwise(prim, params, pairs)}
	case trace.ReduceSum:
		return []trace.Tracer{t.batchReduceSum(params.(trace.ReduceSumParams), pairs[0])}
	case trace.Transpose:
		return []trace.Tracer{t.batchTranspose(params.(trace.TransposeParams), pairs[0])}
	case trace.Flip:
		return []trace.Tracer{t.batchFlip(params.(trace.FlipParams), pairs[0])}
	case trace.Reshape:
		return []trace.Tracer{t.batchReshape(params.(trace.ReshapeParams), pairs[0])}
	case trace.Broadcast:
		return []trace.Tracer{t.batchBroadcast(params.(trace.BroadcastParams), pairs[0])}
	case trace.JitCall:
		if JitCallBatch == nil {
			errkit.Throw(errs.NewUnsupportedError("vmap: jitCall has no batching rule (transforms/jit is not loaded)"))
		}
		return JitCallBatch(params, pairs)
	default:
		errkit.Throw(errs.NewUnsupportedError("vmap: primitive %q has no batching rule", prim))
		panic("unreachable")
	}
}

func anyBatched(pairs []*Batched) bool {
	for _, p := range pairs {
		if p.axis >= 0 {
			return true
		}
	}
	return false
}

// batchPointwise implements the pointwise binary/unary rule: if any
// operand is batched, move every batched operand's axis to 0 and
// broadcast-insert a leading batch axis on every unbatched operand, then
// run the primitive on the now-leading batch dimension and declare the
// result batched at axis 0. Covers Where too: its three operands follow
// the same broadcast-and-align treatment as a binary op's two.
func (t *Trace) batchPointwise(prim trace.Primitive, params any, pairs []*Batched) trace.Tracer {
	if !anyBatched(pairs) {
		vals := make([]trace.Tracer, len(pairs))
		for i, p := range pairs {
			vals[i] = p.value
		}
		return &Batched{owner: t, value: apply(prim, params, vals...), axis: -1}
	}

	batchSize := int64(-1)
	for _, p := range pairs {
		if p.axis < 0 {
			continue
		}
		sz := p.value.Aval().Shape[p.axis]
		if batchSize < 0 {
			batchSize = sz
		} else if sz != batchSize {
			errkit.Throw(errs.NewShapeError("vmap: batch size mismatch %d vs %d under %q", sz, batchSize, prim))
		}
	}

	aligned := make([]trace.Tracer, len(pairs))
	for i, p := range pairs {
		if p.axis < 0 {
			aligned[i] = insertLeadingBatch(p.value, batchSize)
		} else {
			aligned[i] = moveAxisToZero(p.value, p.axis)
		}
	}
	return &Batched{owner: t, value: apply(prim, params, aligned...), axis: 0}
}

// batchReduceSum adjusts the requested axes by +1 for those at or past
// the batch axis, leaving the batch axis itself in place, and shifts the
// output's batch axis down by the count of reduced axes preceding it
// (spec.md §4.3).
func (t *Trace) batchReduceSum(p trace.ReduceSumParams, x *Batched) trace.Tracer {
	if x.axis < 0 {
		return &Batched{owner: t, value: apply(trace.ReduceSum, p, x.value), axis: -1}
	}
	newAxes := make([]int, len(p.Axes))
	preceding := 0
	for i, ax := range p.Axes {
		if ax >= x.axis {
			newAxes[i] = ax + 1
		} else {
			newAxes[i] = ax
			preceding++
		}
	}
	out := apply(trace.ReduceSum, trace.ReduceSumParams{Axes: newAxes}, x.value)
	return &Batched{owner: t, value: out, axis: x.axis - preceding}
}

// insertIdentity extends a rank-n permutation to rank n+1, mapping axis
// to itself and shifting every other index around it, so a Transpose (or
// any other axis-indexed op) passes the batch axis through unchanged.
func insertIdentity(perm []int, axis int) []int {
	n := len(perm)
	newPerm := make([]int, n+1)
	newPerm[axis] = axis
	for i := 0; i < n; i++ {
		oi := i
		if i >= axis {
			oi = i + 1
		}
		v := perm[i]
		if v >= axis {
			v++
		}
		newPerm[oi] = v
	}
	return newPerm
}

func (t *Trace) batchTranspose(p trace.TransposeParams, x *Batched) trace.Tracer {
	if x.axis < 0 {
		return &Batched{owner: t, value: apply(trace.Transpose, p, x.value), axis: -1}
	}
	newPerm := insertIdentity(p.Perm, x.axis)
	out := apply(trace.Transpose, trace.TransposeParams{Perm: newPerm}, x.value)
	return &Batched{owner: t, value: out, axis: x.axis}
}

func (t *Trace) batchFlip(p trace.FlipParams, x *Batched) trace.Tracer {
	if x.axis < 0 {
		return &Batched{owner: t, value: apply(trace.Flip, p, x.value), axis: -1}
	}
	newAxes := make([]int, len(p.Axes))
	for i, ax := range p.Axes {
		if ax >= x.axis {
			newAxes[i] = ax + 1
		} else {
			newAxes[i] = ax
		}
	}
	out := apply(trace.Flip, trace.FlipParams{Axes: newAxes}, x.value)
	return &Batched{owner: t, value: out, axis: x.axis}
}

// batchReshape and batchBroadcast normalize the batch axis to the front
// rather than index-shifting parameters: a reshape or suffix-style
// broadcast can change rank in ways that make "thread the batch axis
// through at its old position" ambiguous, so both instead move the batch
// axis to 0 first and prepend the batch size to the target shape.
func (t *Trace) batchReshape(p trace.ReshapeParams, x *Batched) trace.Tracer {
	if x.axis < 0 {
		return &Batched{owner: t, value: apply(trace.Reshape, p, x.value), axis: -1}
	}
	batchSize := x.value.Aval().Shape[x.axis]
	moved := moveAxisToZero(x.value, x.axis)
	newShape := make([]int64, len(p.Shape)+1)
	newShape[0] = batchSize
	copy(newShape[1:], p.Shape)
	out := apply(trace.Reshape, trace.ReshapeParams{Shape: newShape}, moved)
	return &Batched{owner: t, value: out, axis: 0}
}

func (t *Trace) batchBroadcast(p trace.BroadcastParams, x *Batched) trace.Tracer {
	if x.axis < 0 {
		return &Batched{owner: t, value: apply(trace.Broadcast, p, x.value), axis: -1}
	}
	batchSize := x.value.Aval().Shape[x.axis]
	moved := moveAxisToZero(x.value, x.axis)
	newShape := make([]int64, len(p.Shape)+1)
	newShape[0] = batchSize
	copy(newShape[1:], p.Shape)
	out := apply(trace.Broadcast, trace.BroadcastParams{Shape: newShape}, moved)
	return &Batched{owner: t, value: out, axis: 0}
}
