// Package vmap implements batching as a Trace/Tracer pair on top of
// package trace (spec.md §4.3): a Batched tracer wraps a value and the
// axis it is batched along, or -1 if it carries no batch dimension at
// all, and each primitive's batching rule (rules.go) rewrites the
// underlying op so the batch dimension comes along for the ride.
package vmap

import (
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
	"github.com/tracekernel/tracekernel/trace/pytree"
)

// Trace is the interpreter level that runs vmap.
type Trace struct {
	level int
}

func (t *Trace) Level() int { return t.level }

// Lift wraps tr as unbatched, unless it is already a Batched owned by
// this Trace.
func (t *Trace) Lift(tr trace.Tracer) trace.Tracer {
	if b, ok := tr.(*Batched); ok && b.owner == t {
		return b
	}
	return &Batched{owner: t, value: tr, axis: -1}
}

// Batched is a vmap tracer: value plus the axis it is batched along, or
// -1 for unbatched (spec.md §4.3's "{value, batchedAxis | unbatched}").
type Batched struct {
	owner *Trace
	value trace.Tracer
	axis  int
}

func (b *Batched) Level() int         { return b.owner.level }
func (b *Batched) Owner() trace.Trace { return b.owner }

// Aval reports the user-visible abstract shape with the batched axis
// removed, per spec.md §4.3.
func (b *Batched) Aval() trace.AbstractValue {
	av := b.value.Aval()
	if b.axis < 0 {
		return av
	}
	return trace.AbstractValue{Shape: removeAxis(av.Shape, b.axis), DType: av.DType}
}

func removeAxis(shape []int64, axis int) []int64 {
	out := make([]int64, 0, len(shape)-1)
	for i, d := range shape {
		if i != axis {
			out = append(out, d)
		}
	}
	return out
}

// JitCallBatch is set by transforms/jit once it exists, mirroring
// transforms/jvp's JitCallLinearize hook: vmap cannot import jit without
// an import cycle, so jit registers its batching rule for jitCall here.
var JitCallBatch func(params any, pairs []*Batched) []trace.Tracer

// apply runs prim against operands by operand ownership rather than the
// global interpreter stack (trace.Apply), for the same reason
// transforms/jvp's apply does: trace.Bind would re-enter this Trace's
// own ProcessPrimitive while it is still the topmost stack entry and
// recurse forever.
func apply(prim trace.Primitive, params any, operands ...trace.Tracer) trace.Tracer {
	return trace.Apply(prim, params, operands...)
}

func unwrapArray(t trace.Tracer) *array.Array {
	c, ok := t.(*trace.Concrete)
	if !ok {
		errkit.Throw(errs.NewUnsupportedError("vmap: expected a concrete array leaf, got %T", t))
	}
	a, ok := c.Value.(*array.Array)
	if !ok {
		errkit.Throw(errs.NewUnsupportedError("vmap: expected an *array.Array leaf, got %T", c.Value))
	}
	return a
}

// moveAxisToZero transposes v so its axis dimension becomes axis 0,
// leaving every other axis in its original relative order.
func moveAxisToZero(v trace.Tracer, axis int) trace.Tracer {
	if axis == 0 {
		return v
	}
	rank := len(v.Aval().Shape)
	perm := make([]int, rank)
	perm[0] = axis
	k := 1
	for i := 0; i < rank; i++ {
		if i == axis {
			continue
		}
		perm[k] = i
		k++
	}
	return apply(trace.Transpose, trace.TransposeParams{Perm: perm}, v)
}

// insertLeadingBatch broadcasts an unbatched v to a new leading axis of
// size batchSize (the "singleton-insert unbatched operands" step of the
// pointwise batching rule, spec.md §4.3).
func insertLeadingBatch(v trace.Tracer, batchSize int64) trace.Tracer {
	shape := v.Aval().Shape
	newShape := make([]int64, len(shape)+1)
	newShape[0] = batchSize
	copy(newShape[1:], shape)
	return apply(trace.Broadcast, trace.BroadcastParams{Shape: newShape}, v)
}

// Of runs f under vmap: args is a pytree of *array.Array, inAxes is a
// pytree with the same structure giving each leaf's batch axis (an int,
// or nil for an argument with no batch dimension at all). f is written
// against the `any` tree of tracers Of hands it, calling trace.Bind per
// primitive; every output is returned batched at axis 0, broadcasting
// any output that happened not to depend on a batched input up to the
// same leading batch size (spec.md §4.3).
func Of(f func(any) any, args, inAxes any) any {
	argLeaves, argStruct := pytree.Flatten(args)
	axisLeaves, axisStruct := pytree.Flatten(inAxes)
	if err := pytree.CheckEqual(argStruct, axisStruct); err != nil {
		errkit.Throw(err)
	}

	tr := &Trace{level: trace.Global().NextLevel()}
	wrapped := make([]any, len(argLeaves))
	batchSize := int64(-1)
	for i := range argLeaves {
		a, ok := argLeaves[i].(*array.Array)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("vmap.Of: arg leaf %d is a %T, not *array.Array", i, argLeaves[i]))
		}
		axis := -1
		switch ax := axisLeaves[i].(type) {
		case int:
			axis = ax
		case nil:
		default:
			errkit.Throw(errs.NewUnsupportedError("vmap.Of: inAxes leaf %d is a %T, not int", i, axisLeaves[i]))
		}
		if axis >= 0 {
			sz := a.Shape()[axis]
			if batchSize < 0 {
				batchSize = sz
			} else if sz != batchSize {
				errkit.Throw(errs.NewShapeError("vmap.Of: batch size mismatch %d vs %d", sz, batchSize))
			}
		}
		aval := trace.AbstractValue{Shape: a.Shape(), DType: a.DType()}
		wrapped[i] = &Batched{owner: tr, value: trace.NewConcrete(a, aval), axis: axis}
	}
	if batchSize < 0 {
		errkit.Throw(errs.NewShapeError("vmap.Of: no argument is batched"))
	}

	pop := trace.Global().Push(tr)
	defer pop()
	result := f(pytree.Unflatten(argStruct, wrapped))

	outLeaves, outStruct := pytree.Flatten(result)
	outArrays := make([]any, len(outLeaves))
	for i, leaf := range outLeaves {
		b := asBatched(tr, leaf, i)
		v := b.value
		if b.axis < 0 {
			v = insertLeadingBatch(v, batchSize)
		} else {
			v = moveAxisToZero(v, b.axis)
		}
		outArrays[i] = unwrapArray(v)
	}
	return pytree.Unflatten(outStruct, outArrays)
}

func asBatched(tr *Trace, leaf any, index int) *Batched {
	switch v := leaf.(type) {
	case *Batched:
		return v
	case *array.Array:
		aval := trace.AbstractValue{Shape: v.Shape(), DType: v.DType()}
		return tr.Lift(trace.NewConcrete(v, aval)).(*Batched)
	case trace.Tracer:
		return tr.Lift(v).(*Batched)
	default:
		errkit.Throw(errs.NewUnsupportedError("vmap.Of: output leaf %d has unsupported type %T", index, leaf))
		panic("unreachable")
	}
}
