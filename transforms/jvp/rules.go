package jvp

import (
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
)

// ProcessPrimitive dispatches prim to its linearization rule (spec.md
// §4.2): the primal is recomputed from the unwrapped primal operands via
// apply, and the tangent is built from whichever of the rules below
// applies, short-circuiting through nil (structural zero) wherever an
// input tangent is already zero.
func (t *Trace) ProcessPrimitive(prim trace.Primitive, args []trace.Tracer, params any) []trace.Tracer {
	pairs := make([]*Pair, len(args))
	primalArgs := make([]trace.Tracer, len(args))
	for i, a := range args {
		p, ok := a.(*Pair)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("jvp: operand %d is a %T, not a jvp.Pair", i, a))
		}
		pairs[i] = p
		primalArgs[i] = p.primal
	}

	var primalOut, tangentOut trace.Tracer
	switch prim {
	case trace.Add:
		primalOut = apply(trace.Add, params, primalArgs...)
		tangentOut = addTangent(pairs[0], pairs[1])
	case trace.Mul:
		primalOut = apply(trace.Mul, params, primalArgs...)
		tangentOut = mulTangent(pairs[0], pairs[1])
	case trace.Neg:
		primalOut = apply(trace.Neg, params, primalArgs...)
		if pairs[0].tangent != nil {
			tangentOut = apply(trace.Neg, nil, pairs[0].tangent)
		}
	case trace.Reciprocal:
		primalOut = apply(trace.Reciprocal, params, primalArgs...)
		tangentOut = reciprocalTangent(pairs[0], primalOut)
	case trace.Sin:
		primalOut = apply(trace.Sin, params, primalArgs...)
		if pairs[0].tangent != nil {
			cosx := apply(trace.Cos, nil, pairs[0].primal)
			tangentOut = apply(trace.Mul, nil, cosx, pairs[0].tangent)
		}
	case trace.Cos:
		primalOut = apply(trace.Cos, params, primalArgs...)
		if pairs[0].tangent != nil {
			sinx := apply(trace.Sin, nil, pairs[0].primal)
			negSinx := apply(trace.Neg, nil, sinx)
			tangentOut = apply(trace.Mul, nil, negSinx, pairs[0].tangent)
		}
	case trace.Min:
		primalOut = apply(trace.Min, params, primalArgs...)
		tangentOut = minTangent(pairs[0], pairs[1])
	case trace.Max:
		primalOut = apply(trace.Max, params, primalArgs...)
		tangentOut = maxTangent(pairs[0], pairs[1])
	case trace.Compare:
		// Boolean-producing op: tangent forced to zero (spec.md §4.2).
		primalOut = apply(trace.Compare, params, primalArgs...)
	case trace.ReduceSum:
		primalOut = apply(trace.ReduceSum, params, primalArgs...)
		if pairs[0].tangent != nil {
			tangentOut = apply(trace.ReduceSum, params, pairs[0].tangent)
		}
	case trace.Where:
		primalOut = apply(trace.Where, params, primalArgs...)
		tangentOut = whereTangent(pairs[0].primal, pairs[1], pairs[2])
	case trace.Transpose, trace.Broadcast, trace.Reshape, trace.Flip:
		primalOut = apply(prim, params, primalArgs...)
		if pairs[0].tangent != nil {
			tangentOut = apply(prim, params, pairs[0].tangent)
		}
	case trace.IDiv, trace.Mod:
		errkit.Throw(errs.NewUnsupportedError("jvp: primitive %q has no differentiation rule (integer-only op)", prim))
	case trace.JitCall:
		if JitCallLinearize == nil {
			errkit.Throw(errs.NewUnsupportedError("jvp: jitCall has no differentiation rule (transforms/jit is not loaded)"))
		}
		return JitCallLinearize(params, pairs)
	default:
		errkit.Throw(errs.NewUnsupportedError("jvp: primitive %q has no differentiation rule", prim))
	}
	return []trace.Tracer{&Pair{owner: t, primal: primalOut, tangent: tangentOut}}
}

// addTangent returns dx+dy, short-circuiting on either structural zero.
func addTangent(x, y *Pair) trace.Tracer {
	switch {
	case x.tangent == nil && y.tangent == nil:
		return nil
	case x.tangent == nil:
		return y.tangent
	case y.tangent == nil:
		return x.tangent
	default:
		return apply(trace.Add, nil, x.tangent, y.tangent)
	}
}

// mulTangent returns x*dy + dx*y (the product rule), omitting either term
// whose tangent is a structural zero.
func mulTangent(x, y *Pair) trace.Tracer {
	var dyTerm, dxTerm trace.Tracer
	if y.tangent != nil {
		dyTerm = apply(trace.Mul, nil, x.primal, y.tangent)
	}
	if x.tangent != nil {
		dxTerm = apply(trace.Mul, nil, x.tangent, y.primal)
	}
	switch {
	case dyTerm == nil && dxTerm == nil:
		return nil
	case dyTerm == nil:
		return dxTerm
	case dxTerm == nil:
		return dyTerm
	default:
		return apply(trace.Add, nil, dxTerm, dyTerm)
	}
}

// reciprocalTangent returns -(1/x)^2 * dx, given the already-computed
// primal 1/x.
func reciprocalTangent(x *Pair, primalOut trace.Tracer) trace.Tracer {
	if x.tangent == nil {
		return nil
	}
	sq := apply(trace.Mul, nil, primalOut, primalOut)
	negSq := apply(trace.Neg, nil, sq)
	return apply(trace.Mul, nil, negSq, x.tangent)
}

// whereTangent returns where(cond, dIfTrue, dIfFalse), materializing
// either branch's tangent via zeroLike if it is the structural zero
// (where needs two real operands of matching dtype, unlike add/mul which
// can short-circuit entirely).
func whereTangent(cond trace.Tracer, ifTrue, ifFalse *Pair) trace.Tracer {
	if ifTrue.tangent == nil && ifFalse.tangent == nil {
		return nil
	}
	dt := ifTrue.tangent
	if dt == nil {
		dt = zeroLike(ifTrue.primal)
	}
	df := ifFalse.tangent
	if df == nil {
		df = zeroLike(ifFalse.primal)
	}
	return apply(trace.Where, nil, cond, dt, df)
}

// minTangent selects dx where x<y and dy otherwise, so on a tie the
// tangent follows the second operand y.
func minTangent(x, y *Pair) trace.Tracer {
	cond := apply(trace.Compare, trace.CompareParams{Op: "lt"}, x.primal, y.primal) // x<y
	return whereTangent(cond, x, y)
}

// maxTangent mirrors minTangent with max's selector, y<x: dx where y<x
// and dy otherwise, so a tie also follows the second operand y.
func maxTangent(x, y *Pair) trace.Tracer {
	cond := apply(trace.Compare, trace.CompareParams{Op: "lt"}, y.primal, x.primal) // y<x
	return whereTangent(cond, x, y)
}
