package array

import (
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
)

func init() {
	trace.ConcreteEval = concreteEval
}

// concreteEval is the level-0 interpreter: it runs a primitive directly
// against *Array operands, with no tracer bookkeeping. Installed into
// trace.ConcreteEval so package trace never imports array (see
// trace.ConcreteEval's doc comment).
func concreteEval(prim trace.Primitive, args []any, params any) ([]any, trace.AbstractValue) {
	operand := func(i int) *Array { return args[i].(*Array) }
	var out *Array
	switch prim {
	case trace.Add:
		out = operand(0).Add(operand(1))
	case trace.Mul:
		out = operand(0).Mul(operand(1))
	case trace.IDiv:
		out = operand(0).IDiv(operand(1))
	case trace.Mod:
		out = operand(0).Mod(operand(1))
	case trace.Neg:
		out = operand(0).Neg()
	case trace.Reciprocal:
		out = operand(0).Reciprocal()
	case trace.Sin:
		out = operand(0).Sin()
	case trace.Cos:
		out = operand(0).Cos()
	case trace.Min:
		out = operand(0).Min(operand(1))
	case trace.Max:
		out = operand(0).Max(operand(1))
	case trace.Compare:
		p := params.(trace.CompareParams)
		switch p.Op {
		case "lt":
			out = operand(0).CmpLt(operand(1))
		case "ne":
			out = operand(0).CmpNe(operand(1))
		default:
			errkit.Throw(errs.NewUnsupportedError("array.concreteEval: unknown compare op %q", p.Op))
		}
	case trace.ReduceSum:
		p := params.(trace.ReduceSumParams)
		out = operand(0).Sum(p.Axes, false)
	case trace.Where:
		out = Where(operand(0), operand(1), operand(2))
	case trace.Transpose:
		p := params.(trace.TransposeParams)
		out = operand(0).Transpose(p.Perm)
	case trace.Broadcast:
		p := params.(trace.BroadcastParams)
		out = operand(0).BroadcastTo(p.Shape)
	case trace.Reshape:
		p := params.(trace.ReshapeParams)
		out = operand(0).Reshape(p.Shape)
	case trace.Flip:
		p := params.(trace.FlipParams)
		out = operand(0).Flip(p.Axes)
	default:
		errkit.Throw(errs.NewUnsupportedError("array.concreteEval: primitive %q has no concrete rule (jitCall must run under a jit trace)", prim))
	}
	return []any{out}, trace.AbstractValue{Shape: out.Shape(), DType: out.dtype}
}
