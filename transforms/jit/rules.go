package jit

import (
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
)

// ProcessPrimitive records one equation per call: every primitive known
// to the tracing core produces exactly one output except jitCall, which
// produces as many as its nested jaxpr's own OutVars (spec.md §4.4).
func (t *Trace) ProcessPrimitive(prim trace.Primitive, args []trace.Tracer, params any) []trace.Tracer {
	inputs := make([]*Var, len(args))
	avals := make([]trace.AbstractValue, len(args))
	for i, a := range args {
		jv, ok := a.(*JaxVar)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("jit: operand %d is a %T, not a jit.JaxVar", i, a))
		}
		inputs[i] = jv.v
		avals[i] = jv.v.aval
	}

	outAvals := abstractEvalMulti(prim, avals, params)
	outVars := make([]*Var, len(outAvals))
	outTracers := make([]trace.Tracer, len(outAvals))
	for i, av := range outAvals {
		v := t.newVar(av)
		outVars[i] = v
		outTracers[i] = &JaxVar{owner: t, v: v}
	}
	t.eqns = append(t.eqns, Eqn{Prim: prim, Params: params, Inputs: inputs, Outputs: outVars})
	return outTracers
}

// abstractEvalMulti returns the output abstract value(s) of prim given
// its operands' abstract values, with no data present — the shape/dtype
// inference every equation needs at record time. jitCall delegates to
// its nested jaxpr's own output binders.
func abstractEvalMulti(prim trace.Primitive, avals []trace.AbstractValue, params any) []trace.AbstractValue {
	if prim == trace.JitCall {
		jx := params.(trace.JitCallParams).Jaxpr.(*Jaxpr)
		out := make([]trace.AbstractValue, len(jx.OutVars))
		for i, v := range jx.OutVars {
			out[i] = v.aval
		}
		return out
	}
	return []trace.AbstractValue{abstractEval(prim, avals, params)}
}

func removeAxes(shape []int64, axes []int) []int64 {
	drop := make(map[int]bool, len(axes))
	for _, ax := range axes {
		drop[ax] = true
	}
	out := make([]int64, 0, len(shape)-len(axes))
	for i, d := range shape {
		if !drop[i] {
			out = append(out, d)
		}
	}
	return out
}

func abstractEval(prim trace.Primitive, avals []trace.AbstractValue, params any) trace.AbstractValue {
	switch prim {
	case trace.Add, trace.Mul, trace.IDiv, trace.Mod, trace.Neg, trace.Reciprocal,
		trace.Sin, trace.Cos, trace.Min, trace.Max, trace.Flip:
		return avals[0]
	case trace.Compare:
		return trace.AbstractValue{Shape: avals[0].Shape, DType: dtypes.Bool}
	case trace.ReduceSum:
		p := params.(trace.ReduceSumParams)
		return trace.AbstractValue{Shape: removeAxes(avals[0].Shape, p.Axes), DType: avals[0].DType}
	case trace.Where:
		return avals[1]
	case trace.Transpose:
		p := params.(trace.TransposeParams)
		shape := make([]int64, len(p.Perm))
		for i, ax := range p.Perm {
			shape[i] = avals[0].Shape[ax]
		}
		return trace.AbstractValue{Shape: shape, DType: avals[0].DType}
	case trace.Broadcast:
		p := params.(trace.BroadcastParams)
		return trace.AbstractValue{Shape: p.Shape, DType: avals[0].DType}
	case trace.Reshape:
		p := params.(trace.ReshapeParams)
		return trace.AbstractValue{Shape: p.Shape, DType: avals[0].DType}
	default:
		errkit.Throw(errs.NewUnsupportedError("jit: primitive %q has no abstract evaluation rule", prim))
		panic("unreachable")
	}
}
