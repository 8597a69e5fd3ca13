package jit

import (
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
)

// Trace records a straight-line program while it is the active
// interpreter level: each ProcessPrimitive call (rules.go) appends one
// equation. Any tracer Lift encounters that does not already belong to
// this Trace is a value closed over from outside the traced function —
// it becomes a captured constant, an extra input the replayed jaxpr
// reads from (spec.md §4.2's "constants captured... become extra
// inputs", which applies however the jaxpr is later replayed, not just
// under JVP).
type Trace struct {
	level     int
	nextID    int
	eqns      []Eqn
	constVars []*Var
	consts    []any
}

func (t *Trace) Level() int { return t.level }

func (t *Trace) newVar(aval trace.AbstractValue) *Var {
	v := &Var{id: t.nextID, aval: aval}
	t.nextID++
	return v
}

func (t *Trace) Lift(tr trace.Tracer) trace.Tracer {
	if jv, ok := tr.(*JaxVar); ok && jv.owner == t {
		return jv
	}
	c, ok := tr.(*trace.Concrete)
	if !ok {
		errkit.Throw(errs.NewUnsupportedError("jit: cannot capture a %T as a constant while tracing", tr))
	}
	v := t.newVar(c.Aval())
	t.constVars = append(t.constVars, v)
	t.consts = append(t.consts, c.Value)
	return &JaxVar{owner: t, v: v}
}

// JaxVar is a jit tracer: a symbolic reference to an input, a captured
// constant, or an equation's output.
type JaxVar struct {
	owner *Trace
	v     *Var
}

func (jv *JaxVar) Level() int                { return jv.owner.level }
func (jv *JaxVar) Aval() trace.AbstractValue { return jv.v.aval }
func (jv *JaxVar) Owner() trace.Trace        { return jv.owner }
