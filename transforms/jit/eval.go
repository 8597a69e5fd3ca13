package jit

import "github.com/tracekernel/tracekernel/trace"

// evalJaxpr replays jx's equations against operands (const binders
// first, then the call's own arguments, matching Jaxpr's field order).
// Every ordinary equation goes through trace.Bind, so it dispatches to
// whichever trace is currently active — bindConcrete's plain
// trace.ConcreteEval path if none is, or an outer jvp/vmap trace's own
// ProcessPrimitive if this replay is itself happening inside
// JitCallLinearize/JitCallBatch. A nested jitCall equation recurses
// directly into its own nested jaxpr rather than going through
// trace.Bind, since array's concrete evaluator has no rule for jitCall
// on its own (see DESIGN.md).
func evalJaxpr(jx *Jaxpr, operands []trace.Tracer) []trace.Tracer {
	env := make(map[int]trace.Tracer, len(jx.ConstVars)+len(jx.InVars)+len(jx.Eqns))
	for i, v := range jx.ConstVars {
		env[v.id] = operands[i]
	}
	for i, v := range jx.InVars {
		env[v.id] = operands[len(jx.ConstVars)+i]
	}

	for _, eqn := range jx.Eqns {
		ins := make([]trace.Tracer, len(eqn.Inputs))
		for i, v := range eqn.Inputs {
			ins[i] = env[v.id]
		}
		var outs []trace.Tracer
		if eqn.Prim == trace.JitCall {
			nested := eqn.Params.(trace.JitCallParams).Jaxpr.(*Jaxpr)
			outs = evalJaxpr(nested, ins)
		} else {
			outs = trace.Bind(eqn.Prim, eqn.Params, ins...)
		}
		for i, v := range eqn.Outputs {
			env[v.id] = outs[i]
		}
	}

	result := make([]trace.Tracer, len(jx.OutVars))
	for i, v := range jx.OutVars {
		result[i] = env[v.id]
	}
	return result
}
