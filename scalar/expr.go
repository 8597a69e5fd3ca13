// Package scalar implements ScalarExpr, the immutable DAG of scalar
// arithmetic that is the atom of this compiler's middle end (spec.md
// §3.1). Kernels (package kernel) evaluate one Expr per output element;
// the shape tracker (package view) builds Expr trees that fold index
// arithmetic; the materializing builders in package array inline fused
// primitive chains into one Expr per kernel.
package scalar

import (
	"fmt"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// Op identifies the kind of a scalar expression node.
type Op int

const (
	OpInvalid Op = iota

	// Binary arithmetic: two operands of equal dtype, result dtype equals
	// the operand dtype except boolean Add means OR and boolean Mul means AND.
	OpAdd
	OpSub
	OpMul
	OpIDiv // integer operands: truncates toward negative infinity (floor division); float operands: plain division.
	OpMod  // complement of OpIDiv for integer operands.

	// Comparison: two operands of equal dtype, boolean result.
	OpCmpLt
	OpCmpNe

	// Unary math: float in, float out.
	OpSin
	OpCos

	// Where: source 0 boolean, sources 1 and 2 of equal dtype, result of that dtype.
	OpWhere

	// Const: no sources, Arg is a literal of the declared dtype.
	OpConst

	// Special: symbolic free variable named by Arg.Name, bounded by Arg.Bound.
	OpSpecial

	// GlobalIndex: reads buffer #Arg.Gid at linear index given by Sources[0].
	OpGlobalIndex
)

func (op Op) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpIDiv:
		return "idiv"
	case OpMod:
		return "mod"
	case OpCmpLt:
		return "cmplt"
	case OpCmpNe:
		return "cmpne"
	case OpSin:
		return "sin"
	case OpCos:
		return "cos"
	case OpWhere:
		return "where"
	case OpConst:
		return "const"
	case OpSpecial:
		return "special"
	case OpGlobalIndex:
		return "global_index"
	default:
		return "invalid"
	}
}

// SpecialArg names a free variable and its exclusive upper bound: "gidx"
// ranges over a kernel's output linear index, "ridx" over a reduction axis.
type SpecialArg struct {
	Name  string
	Bound int64
}

// GlobalIndexArg names the backend input-buffer slot a GlobalIndex node reads.
type GlobalIndexArg struct {
	Gid int
}

// Expr is an immutable DAG node over typed scalars (spec.md §3.1).
//
// Expr is built only through the New* constructors, which validate source
// counts and dtypes against the op's declared signature so the invariant
// "source counts and dtypes match the op's declared signature" holds by
// construction, and trees built this way are acyclic since a node can only
// reference already-constructed nodes.
type Expr struct {
	Op      Op
	DType   dtypes.DType
	Sources []*Expr

	// Arg carries the op-specific static payload: a literal Value for
	// Const, a SpecialArg for Special, a GlobalIndexArg for GlobalIndex.
	Arg any
}

// Value is the literal payload of a Const node, or the result of Eval.
type Value struct {
	DType dtypes.DType
	Bool  bool
	I32   int32
	U32   uint32
	F32   float32
}

func (v Value) String() string {
	switch v.DType {
	case dtypes.Bool:
		return fmt.Sprintf("%v", v.Bool)
	case dtypes.Int32:
		return fmt.Sprintf("%d", v.I32)
	case dtypes.Uint32:
		return fmt.Sprintf("%d", v.U32)
	case dtypes.Float32, dtypes.Float16:
		return fmt.Sprintf("%v", v.F32)
	default:
		return "<invalid>"
	}
}

// ValueOf builds a Value from a Go scalar of a supported type.
func ValueOf[T dtypes.Number](x T) Value {
	switch v := any(x).(type) {
	case bool:
		return Value{DType: dtypes.Bool, Bool: v}
	case int32:
		return Value{DType: dtypes.Int32, I32: v}
	case uint32:
		return Value{DType: dtypes.Uint32, U32: v}
	case float32:
		return Value{DType: dtypes.Float32, F32: v}
	}
	panic("unreachable")
}

func mustEqualDType(name string, a, b *Expr) {
	if a.DType != b.DType {
		errkit.Panicf("scalar.%s: operand dtypes differ: %s vs %s", name, a.DType, b.DType)
	}
}

func mustDType(name string, want dtypes.DType, e *Expr) {
	if e.DType != want {
		errkit.Panicf("scalar.%s: expected operand of dtype %s, got %s", name, want, e.DType)
	}
}

func binaryResultDType(op Op, operandDType dtypes.DType) dtypes.DType {
	// Boolean Add means OR and boolean Mul means AND (spec.md §3.1); both
	// still have boolean operand and result dtype, so no special-casing
	// is needed here beyond using the operand dtype.
	return operandDType
}

// NewBinary builds an Add/Sub/Mul/IDiv/Mod node. lhs and rhs must share a dtype.
func NewBinary(op Op, lhs, rhs *Expr) *Expr {
	switch op {
	case OpAdd, OpSub, OpMul, OpIDiv, OpMod:
	default:
		errkit.Panicf("scalar.NewBinary: %s is not a binary arithmetic op", op)
	}
	mustEqualDType(op.String(), lhs, rhs)
	return &Expr{Op: op, DType: binaryResultDType(op, lhs.DType), Sources: []*Expr{lhs, rhs}}
}

// NewCompare builds a CmpLt/CmpNe node. lhs and rhs must share a dtype; result is boolean.
func NewCompare(op Op, lhs, rhs *Expr) *Expr {
	switch op {
	case OpCmpLt, OpCmpNe:
	default:
		errkit.Panicf("scalar.NewCompare: %s is not a comparison op", op)
	}
	mustEqualDType(op.String(), lhs, rhs)
	return &Expr{Op: op, DType: dtypes.Bool, Sources: []*Expr{lhs, rhs}}
}

// NewUnaryMath builds a Sin/Cos node. x must be a float dtype.
func NewUnaryMath(op Op, x *Expr) *Expr {
	switch op {
	case OpSin, OpCos:
	default:
		errkit.Panicf("scalar.NewUnaryMath: %s is not a unary math op", op)
	}
	if !x.DType.IsFloat() {
		errkit.Panicf("scalar.%s: operand must be float, got %s", op, x.DType)
	}
	return &Expr{Op: op, DType: x.DType, Sources: []*Expr{x}}
}

// NewWhere builds a Where node: cond must be boolean, ifTrue and ifFalse must share a dtype.
func NewWhere(cond, ifTrue, ifFalse *Expr) *Expr {
	mustDType("where(cond)", dtypes.Bool, cond)
	mustEqualDType("where", ifTrue, ifFalse)
	return &Expr{Op: OpWhere, DType: ifTrue.DType, Sources: []*Expr{cond, ifTrue, ifFalse}}
}

// NewNot builds the boolean negation of cond, expressed as where(cond, false, true).
func NewNot(cond *Expr) *Expr {
	mustDType("not", dtypes.Bool, cond)
	return NewWhere(cond, NewConst(Value{DType: dtypes.Bool, Bool: false}), NewConst(Value{DType: dtypes.Bool, Bool: true}))
}

// NewConst builds a literal leaf.
func NewConst(v Value) *Expr {
	return &Expr{Op: OpConst, DType: v.DType, Arg: v}
}

// NewSpecial builds a free variable leaf, e.g. the kernel's output linear
// index ("gidx") or a reduction axis induction variable ("ridx").
func NewSpecial(name string, bound int64, dtype dtypes.DType) *Expr {
	return &Expr{Op: OpSpecial, DType: dtype, Arg: SpecialArg{Name: name, Bound: bound}}
}

// NewGlobalIndex builds a read of input buffer #gid at the linear index
// computed by idx (normally the output of a ShapeTracker index fold).
func NewGlobalIndex(gid int, dtype dtypes.DType, idx *Expr) *Expr {
	mustDType("global_index(idx)", dtypes.Int32, idx)
	return &Expr{Op: OpGlobalIndex, DType: dtype, Sources: []*Expr{idx}, Arg: GlobalIndexArg{Gid: gid}}
}

// NArgs returns the highest Gid referenced by any GlobalIndex node in e, plus one.
func NArgs(e *Expr) int {
	max := -1
	seen := map[*Expr]bool{}
	var walk func(*Expr)
	walk = func(n *Expr) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		if n.Op == OpGlobalIndex {
			gid := n.Arg.(GlobalIndexArg).Gid
			if gid > max {
				max = gid
			}
		}
		for _, s := range n.Sources {
			walk(s)
		}
	}
	walk(e)
	return max + 1
}
