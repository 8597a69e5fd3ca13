// Package trace implements the interpreter stack, the Tracer/Trace
// protocol, and primitive dispatch that the rest of the system's
// transformations (jvp, vmap, jit) are built on (spec.md §4.1).
package trace

import (
	"fmt"
	"sync"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// AbstractValue is the shape/dtype pair every Tracer carries, independent
// of the transform-specific information layered on top of it.
type AbstractValue struct {
	Shape []int64
	DType dtypes.DType
}

func (a AbstractValue) String() string {
	return fmt.Sprintf("%s%v", a.DType, a.Shape)
}

// Tracer is an operand flowing through the interpreter stack: it carries
// an abstract value and knows which Trace (interpreter level) produced it.
type Tracer interface {
	Aval() AbstractValue
	Level() int
}

// Trace is one level of the interpreter stack: the tracer subclass that
// processes primitives at that level.
type Trace interface {
	// Level returns this trace's position on the stack; level 0 is
	// always the concrete evaluator.
	Level() int

	// Lift raises a tracer from a lower level (or a bare concrete value
	// wrapped at level 0) into this trace, e.g. JVP lifts by pairing
	// with a structural zero tangent.
	Lift(t Tracer) Tracer

	// ProcessPrimitive executes prim against args (already Lift-ed into
	// this trace) and returns the output tracer(s), still at this level.
	ProcessPrimitive(prim Primitive, args []Tracer, params any) []Tracer
}

// ConcreteEval executes a primitive directly against concrete values
// (array.Array), bypassing the Trace/Tracer protocol entirely. It is set
// by package array's init — array imports trace to install this
// evaluator, so trace cannot import array directly without a cycle; this
// is the same inversion-of-control idea as backends.Register.
var ConcreteEval func(prim Primitive, args []any, params any) ([]any, AbstractValue)

// Concrete is a level-0 tracer wrapping a plain value with no transform
// information attached (an array.Array).
type Concrete struct {
	Value any
	aval  AbstractValue
}

// NewConcrete wraps value (an array.Array) as a level-0 tracer.
func NewConcrete(value any, aval AbstractValue) *Concrete {
	return &Concrete{Value: value, aval: aval}
}

func (c *Concrete) Aval() AbstractValue { return c.aval }
func (c *Concrete) Level() int          { return 0 }

// Stack is the process-wide interpreter stack: a sequence of Traces, each
// with a strictly increasing Level, active for the dynamic extent of the
// transformation that pushed it.
type Stack struct {
	mu     sync.Mutex
	traces []Trace
}

var global = &Stack{}

// Global returns the process-wide interpreter stack.
func Global() *Stack { return global }

// Push installs tr as the new top of the stack and returns a function
// that pops it. The caller must defer the returned function so the frame
// is popped on every exit path, including a panic.
func (s *Stack) Push(tr Trace) (pop func()) {
	s.mu.Lock()
	s.traces = append(s.traces, tr)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.traces) == 0 || s.traces[len(s.traces)-1] != tr {
			errkit.Panicf("trace.Stack: pop called out of order")
		}
		s.traces = s.traces[:len(s.traces)-1]
	}
}

// NextLevel returns the level a newly pushed trace would occupy.
func (s *Stack) NextLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traces) + 1
}

// Top returns the highest-level trace currently on the stack, or nil if
// the stack is empty (meaning only the level-0 concrete evaluator is active).
func (s *Stack) Top() Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traces) == 0 {
		return nil
	}
	return s.traces[len(s.traces)-1]
}

// Owned is implemented by tracers that can name the Trace that created
// them, so Apply can dispatch rule-internal arithmetic to an operand's
// owner without consulting the global stack.
type Owned interface {
	Tracer
	Owner() Trace
}

// Apply dispatches prim to the highest-level Trace owning any operand,
// bypassing the global stack entirely; with no owned operand present it
// evaluates concretely. Transform rules use this for their internal
// primal/tangent arithmetic: while a Trace's own ProcessPrimitive runs,
// that Trace is still the topmost stack entry, so Bind would lift the
// already-leveled operands straight back into it and recurse without
// bound. Dispatching by operand ownership also lets one transform's
// rule operate on tracers belonging to another (jvp nested under vmap
// and vice versa).
func Apply(prim Primitive, params any, operands ...Tracer) Tracer {
	var owner Trace
	for _, op := range operands {
		if o, ok := op.(Owned); ok {
			if t := o.Owner(); owner == nil || t.Level() > owner.Level() {
				owner = t
			}
		}
	}
	if owner == nil {
		return bindConcrete(prim, params, operands)[0]
	}
	lifted := make([]Tracer, len(operands))
	for i, op := range operands {
		lifted[i] = owner.Lift(op)
	}
	return owner.ProcessPrimitive(prim, lifted, params)[0]
}

// Bind implements the primitive-call protocol (spec.md §4.1 steps 1-4):
// find the topmost trace any operand belongs to, lift every operand to
// that level, invoke ProcessPrimitive, and return the results still
// wrapped at that level (the caller, i.e. the next Trace down or the
// public API, is responsible for any further lowering it needs).
func Bind(prim Primitive, params any, operands ...Tracer) []Tracer {
	top := Global().Top()
	if top == nil {
		return bindConcrete(prim, params, operands)
	}
	targetLevel := top.Level()
	for _, op := range operands {
		if op.Level() > targetLevel {
			targetLevel = op.Level()
		}
	}
	target := traceAtLevel(targetLevel, top)
	lifted := make([]Tracer, len(operands))
	for i, op := range operands {
		lifted[i] = target.Lift(op)
	}
	return target.ProcessPrimitive(prim, lifted, params)
}

// traceAtLevel walks down from top to find the Trace occupying level,
// since Bind may need to dispatch to a level below the current top when
// every operand is already below it (e.g. a jvp computation with no
// operand touched by an outer jit).
func traceAtLevel(level int, top Trace) Trace {
	s := Global()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.traces {
		if tr.Level() == level {
			return tr
		}
	}
	if top != nil && top.Level() == level {
		return top
	}
	errkit.Throw(errs.NewUnsupportedError("trace.Bind: no trace found at level %d", level))
	panic("unreachable")
}

func bindConcrete(prim Primitive, params any, operands []Tracer) []Tracer {
	if ConcreteEval == nil {
		errkit.Throw(errs.NewUnsupportedError("trace.Bind: no concrete evaluator registered"))
	}
	values := make([]any, len(operands))
	for i, op := range operands {
		c, ok := op.(*Concrete)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("trace.Bind: operand %d is a %T tracer with no trace active to process it", i, op))
		}
		values[i] = c.Value
	}
	outs, aval := ConcreteEval(prim, values, params)
	results := make([]Tracer, len(outs))
	for i, out := range outs {
		results[i] = NewConcrete(out, aval)
	}
	return results
}
