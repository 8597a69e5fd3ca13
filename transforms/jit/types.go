package jit

import "github.com/tracekernel/tracekernel/trace"

// Var names one jaxpr value: an input binder, a captured constant
// binder, or an equation's output (spec.md §4.4).
type Var struct {
	id   int
	aval trace.AbstractValue
}

// Eqn is one recorded instruction: {primitive, inputAtoms, params,
// outputBinders} (spec.md §4.4).
type Eqn struct {
	Prim    trace.Primitive
	Params  any
	Inputs  []*Var
	Outputs []*Var
}

// Jaxpr is the recorded straight-line program: captured-constant binders
// (with their concrete values, in the same order), input binders, a
// sequence of equations, and the output binders.
type Jaxpr struct {
	ConstVars []*Var
	Consts    []any
	InVars    []*Var
	Eqns      []Eqn
	OutVars   []*Var
}
