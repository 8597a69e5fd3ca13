// Package jvp implements forward-mode automatic differentiation as a
// Trace/Tracer pair on top of package trace (spec.md §4.2): a Pair
// tracer carries a primal and a tangent, and each primitive's
// linearization rule is looked up by ProcessPrimitive and produces a new
// primal/tangent pair.
package jvp

import (
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
	"github.com/tracekernel/tracekernel/trace/pytree"
)

// Trace is the interpreter level that runs JVP: it pairs every operand
// lifted into it with a tangent (structural zero, represented as a nil
// Pair.tangent, until a real one flows in) and dispatches primitives to
// their linearization rules in rules.go.
type Trace struct {
	level int
}

func (t *Trace) Level() int { return t.level }

// Lift pairs tr with a structural-zero tangent, unless tr is already a
// Pair owned by this Trace.
func (t *Trace) Lift(tr trace.Tracer) trace.Tracer {
	if p, ok := tr.(*Pair); ok && p.owner == t {
		return p
	}
	return &Pair{owner: t, primal: tr, tangent: nil}
}

// Pair is a JVP tracer: a primal tracer and its tangent. A nil tangent
// is the structural zero spec.md §4.2 calls for, rather than a
// materialized zero-filled array — most linearization rules short-circuit
// on it without ever touching a backend.
type Pair struct {
	owner   *Trace
	primal  trace.Tracer
	tangent trace.Tracer // nil means structural zero.
}

func (p *Pair) Level() int                { return p.owner.level }
func (p *Pair) Aval() trace.AbstractValue { return p.primal.Aval() }
func (p *Pair) Owner() trace.Trace        { return p.owner }

// JitCallLinearize is set by transforms/jit once it exists, mirroring the
// trace.ConcreteEval dependency-inversion idiom: jvp cannot import jit
// (jit is built on top of trace and would import jvp to linearize a
// jaxpr's body exactly once, spec.md §4.2's jitCall rule), so jit
// registers the hook here instead.
var JitCallLinearize func(params any, pairs []*Pair) []trace.Tracer

// apply runs prim against operands by operand ownership rather than the
// global interpreter stack (trace.Apply): ProcessPrimitive's rules call
// this instead of trace.Bind for their internal primal/tangent
// arithmetic, since trace.Bind would lift the already-leveled operands
// straight back into this Trace and recurse forever, and dispatching by
// ownership lets a rule's arithmetic flow through tracers belonging to
// an enclosing transform (jvp nested under vmap, jvp-of-jvp).
func apply(prim trace.Primitive, params any, operands ...trace.Tracer) trace.Tracer {
	return trace.Apply(prim, params, operands...)
}

// zeroLike materializes a real zero tracer of x's own abstract value via
// x + (-x), so a rule needing a concrete operand on one side of a
// structural zero (e.g. a where whose other branch has a real tangent)
// gets one without this package ever touching a backend directly; the
// arithmetic composes correctly through further nested transforms too,
// since it goes through apply rather than any array-level helper.
func zeroLike(x trace.Tracer) trace.Tracer {
	negX := apply(trace.Neg, nil, x)
	return apply(trace.Add, nil, x, negX)
}

// asTracerLeaf wraps an input leaf for tracing: a concrete *array.Array
// becomes a level-0 Concrete, while a tracer from an enclosing transform
// (nested jvp-of-jvp, jvp under vmap) passes through and keeps its own
// level, so the new Trace stacks on top of it.
func asTracerLeaf(kind string, leaf any, index int) trace.Tracer {
	switch v := leaf.(type) {
	case *array.Array:
		return trace.NewConcrete(v, trace.AbstractValue{Shape: v.Shape(), DType: v.DType()})
	case trace.Tracer:
		return v
	default:
		errkit.Throw(errs.NewUnsupportedError("jvp.Of: %s leaf %d is a %T, not *array.Array or trace.Tracer", kind, index, leaf))
		panic("unreachable")
	}
}

// lower reveals a tracer's inner value when it encodes no
// transform-level information (spec.md §4.1 step 4): a level-0 Concrete
// unwraps to its *array.Array, anything else stays a tracer for the
// enclosing transform to process.
func lower(t trace.Tracer) any {
	if c, ok := t.(*trace.Concrete); ok {
		return c.Value
	}
	return t
}

// lowerTangent resolves p's structural-zero tangent at the API boundary:
// a concrete primal gets a real zero-filled array, a primal still under
// an enclosing transform gets a symbolic zero built via x + (-x) so the
// zero composes through that transform too.
func lowerTangent(p *Pair) any {
	if p.tangent == nil {
		if c, ok := p.primal.(*trace.Concrete); ok {
			if a, ok := c.Value.(*array.Array); ok {
				return array.ZerosLike(a)
			}
		}
		return lower(zeroLike(p.primal))
	}
	return lower(p.tangent)
}

// Of runs f under forward-mode differentiation: primals and tangents are
// pytrees of *array.Array (or tracers, when Of is itself called under an
// enclosing transform) with identical structure, f is written against
// the `any` tree of tracers Of hands it (calling trace.Bind per
// primitive, per spec.md §4.1), and Of returns the primal and tangent
// output pytrees with the same structure as f's return value.
func Of(f func(any) any, primals, tangents any) (primalOut, tangentOut any) {
	primalLeaves, primalStruct := pytree.Flatten(primals)
	tangentLeaves, tangentStruct := pytree.Flatten(tangents)
	if err := pytree.CheckEqual(primalStruct, tangentStruct); err != nil {
		errkit.Throw(err)
	}

	tr := &Trace{level: trace.Global().NextLevel()}
	argLeaves := make([]any, len(primalLeaves))
	for i := range primalLeaves {
		argLeaves[i] = &Pair{
			owner:   tr,
			primal:  asTracerLeaf("primal", primalLeaves[i], i),
			tangent: asTracerLeaf("tangent", tangentLeaves[i], i),
		}
	}

	pop := trace.Global().Push(tr)
	defer pop()
	result := f(pytree.Unflatten(primalStruct, argLeaves))

	outLeaves, outStruct := pytree.Flatten(result)
	primalOutLeaves := make([]any, len(outLeaves))
	tangentOutLeaves := make([]any, len(outLeaves))
	for i, leaf := range outLeaves {
		p := asPair(tr, leaf, i)
		primalOutLeaves[i] = lower(p.primal)
		tangentOutLeaves[i] = lowerTangent(p)
	}
	return pytree.Unflatten(outStruct, primalOutLeaves), pytree.Unflatten(outStruct, tangentOutLeaves)
}

// asPair coerces an output leaf into a *Pair owned by tr, covering the
// case where f returns a value never touched by a primitive (a constant
// *array.Array built inside f rather than derived from an argument).
func asPair(tr *Trace, leaf any, index int) *Pair {
	switch v := leaf.(type) {
	case *Pair:
		if v.owner == tr {
			return v
		}
		return tr.Lift(v).(*Pair)
	case *array.Array:
		aval := trace.AbstractValue{Shape: v.Shape(), DType: v.DType()}
		return tr.Lift(trace.NewConcrete(v, aval)).(*Pair)
	case trace.Tracer:
		return tr.Lift(v).(*Pair)
	default:
		errkit.Throw(errs.NewUnsupportedError("jvp.Of: output leaf %d has unsupported type %T", index, leaf))
		panic("unreachable")
	}
}
