package scalar

import (
	"fmt"
	"math"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// Bindings supplies the runtime values of Special and GlobalIndex leaves
// during Eval. GlobalIndex lookups receive the already-evaluated index
// (always Int32) and the reading node's dtype — a kernel may read input
// buffers of a different dtype than its output (a where's bool condition,
// a comparison's float operands), so the decode must be driven by the
// node, not by the kernel — and must return the element read from
// buffer gid.
type Bindings interface {
	Special(name string) (Value, bool)
	GlobalIndex(gid int, index int32, dtype dtypes.DType) Value
}

// MapBindings is a Bindings backed by a plain map, used by tests and by
// the simplifier's constant-folding sub-evaluations.
type MapBindings map[string]Value

func (m MapBindings) Special(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

func (m MapBindings) GlobalIndex(int, int32, dtypes.DType) Value {
	errkit.Panicf("scalar: MapBindings has no GlobalIndex buffers bound")
	return Value{}
}

// missingBindingError is thrown by Eval when a Special leaf has no
// binding; Eval's exported wrapper turns it into a plain error return.
type missingBindingError struct {
	name string
}

func (e *missingBindingError) Error() string {
	return fmt.Sprintf("scalar: no binding for special %q", e.name)
}

// Eval evaluates e against bindings, recursing on Sources. It panics via
// errkit for a missing Special binding; use EvalSafe to get an error return.
func Eval(e *Expr, bindings Bindings) Value {
	switch e.Op {
	case OpConst:
		return e.Arg.(Value)
	case OpSpecial:
		arg := e.Arg.(SpecialArg)
		v, ok := bindings.Special(arg.Name)
		if !ok {
			errkit.Throw(&missingBindingError{name: arg.Name})
		}
		return v
	case OpGlobalIndex:
		idx := Eval(e.Sources[0], bindings)
		return bindings.GlobalIndex(e.Arg.(GlobalIndexArg).Gid, idx.I32, e.DType)
	case OpAdd, OpSub, OpMul, OpIDiv, OpMod:
		return evalBinary(e.Op, Eval(e.Sources[0], bindings), Eval(e.Sources[1], bindings))
	case OpCmpLt, OpCmpNe:
		return evalCompare(e.Op, Eval(e.Sources[0], bindings), Eval(e.Sources[1], bindings))
	case OpSin, OpCos:
		return evalUnaryMath(e.Op, Eval(e.Sources[0], bindings))
	case OpWhere:
		cond := Eval(e.Sources[0], bindings)
		if cond.Bool {
			return Eval(e.Sources[1], bindings)
		}
		return Eval(e.Sources[2], bindings)
	default:
		errkit.Panicf("scalar.Eval: unhandled op %s", e.Op)
		panic("unreachable")
	}
}

// EvalSafe evaluates e, recovering a missing-binding panic into an error return.
func EvalSafe(e *Expr, bindings Bindings) (v Value, err error) {
	defer errkit.Catch(func(exc *missingBindingError) {
		err = exc
	})
	v = Eval(e, bindings)
	return v, nil
}

func evalBinary(op Op, a, b Value) Value {
	switch a.DType {
	case dtypes.Bool:
		switch op {
		case OpAdd:
			return Value{DType: dtypes.Bool, Bool: a.Bool || b.Bool}
		case OpMul:
			return Value{DType: dtypes.Bool, Bool: a.Bool && b.Bool}
		default:
			errkit.Panicf("scalar.evalBinary: op %s not defined for bool", op)
		}
	case dtypes.Int32:
		switch op {
		case OpAdd:
			return Value{DType: dtypes.Int32, I32: a.I32 + b.I32}
		case OpSub:
			return Value{DType: dtypes.Int32, I32: a.I32 - b.I32}
		case OpMul:
			return Value{DType: dtypes.Int32, I32: a.I32 * b.I32}
		case OpIDiv:
			return Value{DType: dtypes.Int32, I32: floorDivInt32(a.I32, b.I32)}
		case OpMod:
			return Value{DType: dtypes.Int32, I32: floorModInt32(a.I32, b.I32)}
		}
	case dtypes.Uint32:
		switch op {
		case OpAdd:
			return Value{DType: dtypes.Uint32, U32: a.U32 + b.U32}
		case OpSub:
			return Value{DType: dtypes.Uint32, U32: a.U32 - b.U32}
		case OpMul:
			return Value{DType: dtypes.Uint32, U32: a.U32 * b.U32}
		case OpIDiv:
			return Value{DType: dtypes.Uint32, U32: a.U32 / b.U32}
		case OpMod:
			return Value{DType: dtypes.Uint32, U32: a.U32 % b.U32}
		}
	case dtypes.Float32, dtypes.Float16:
		switch op {
		case OpAdd:
			return Value{DType: a.DType, F32: a.F32 + b.F32}
		case OpSub:
			return Value{DType: a.DType, F32: a.F32 - b.F32}
		case OpMul:
			return Value{DType: a.DType, F32: a.F32 * b.F32}
		case OpIDiv:
			// Only integer idiv has floor semantics (spec.md §3.1); for
			// float operands this is plain division, used to express
			// reciprocal/div at the primitive level (x * (1 idiv y) == x/y).
			return Value{DType: a.DType, F32: a.F32 / b.F32}
		case OpMod:
			return Value{DType: a.DType, F32: float32(math.Mod(float64(a.F32), float64(b.F32)))}
		}
	}
	errkit.Panicf("scalar.evalBinary: op %s not defined for %s", op, a.DType)
	panic("unreachable")
}

// floorDivInt32 and floorModInt32 implement floor division/modulo (spec.md
// §3.1: IDiv truncates toward negative infinity), unlike Go's native "/"
// and "%" which truncate toward zero.
func floorDivInt32(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorModInt32(a, b int32) int32 {
	m := a % b
	if m != 0 && ((a < 0) != (b < 0)) {
		m += b
	}
	return m
}

func evalCompare(op Op, a, b Value) Value {
	var lt, ne bool
	switch a.DType {
	case dtypes.Bool:
		lt = !a.Bool && b.Bool
		ne = a.Bool != b.Bool
	case dtypes.Int32:
		lt = a.I32 < b.I32
		ne = a.I32 != b.I32
	case dtypes.Uint32:
		lt = a.U32 < b.U32
		ne = a.U32 != b.U32
	case dtypes.Float32, dtypes.Float16:
		lt = a.F32 < b.F32
		ne = a.F32 != b.F32
	default:
		errkit.Panicf("scalar.evalCompare: unsupported dtype %s", a.DType)
	}
	if op == OpCmpLt {
		return Value{DType: dtypes.Bool, Bool: lt}
	}
	return Value{DType: dtypes.Bool, Bool: ne}
}

func evalUnaryMath(op Op, x Value) Value {
	var f float64
	switch op {
	case OpSin:
		f = math.Sin(float64(x.F32))
	case OpCos:
		f = math.Cos(float64(x.F32))
	default:
		errkit.Panicf("scalar.evalUnaryMath: unhandled op %s", op)
	}
	return Value{DType: x.DType, F32: float32(f)}
}
