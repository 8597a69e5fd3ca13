package array

import (
	"github.com/google/uuid"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/tracekernel/tracekernel/view"
)

// getOrAddSource returns the index of x within *combined, appending
// (and IncRef-ing) it if not already present. Deduplicating by pointer
// identity means an expression that references the same array leaf
// twice still shares one GlobalIndex gid and one reference-count bump.
func getOrAddSource(combined *[]*Array, x *Array) int {
	for i, s := range *combined {
		if s == x {
			return i
		}
	}
	x.IncRef()
	*combined = append(*combined, x)
	return len(*combined) - 1
}

// inline returns the scalar expression reading x's element at position
// posExpr (an index into x's own logical shape). If x is itself
// pointwise-pending, its expression is inlined directly (fusing the two
// operations into one kernel); otherwise x is forced to materialize (if
// it is reduction-pending) and referenced as a new opaque source leaf.
func inline(x *Array, posExpr *scalar.Expr, combined *[]*Array) *scalar.Expr {
	if x.pending != nil && x.pending.reduction == nil {
		return inlineTree(x.pending.expr, posExpr, combined, x.pending.sources)
	}
	gid := getOrAddSource(combined, x)
	return x.shape.MaterializeExpr(gid, x.dtype, posExpr)
}

// inlineTree copies e, substituting every Special("gidx") leaf with
// posExpr and remapping every GlobalIndex node's gid from an index into
// oldSources to an index into *combined (adding sources on demand).
// Other Special leaves (e.g. "ridx" inside a reduction's own step
// expression) pass through unchanged, since inline is called with a
// posExpr that already accounts for the caller's own reduction context.
func inlineTree(e *scalar.Expr, posExpr *scalar.Expr, combined *[]*Array, oldSources []*Array) *scalar.Expr {
	switch e.Op {
	case scalar.OpConst:
		return e
	case scalar.OpSpecial:
		if e.Arg.(scalar.SpecialArg).Name == "gidx" {
			return posExpr
		}
		return e
	case scalar.OpGlobalIndex:
		oldGid := e.Arg.(scalar.GlobalIndexArg).Gid
		src := oldSources[oldGid]
		newIdx := inlineTree(e.Sources[0], posExpr, combined, oldSources)
		newGid := getOrAddSource(combined, src)
		return &scalar.Expr{Op: scalar.OpGlobalIndex, DType: e.DType, Sources: []*scalar.Expr{newIdx}, Arg: scalar.GlobalIndexArg{Gid: newGid}}
	default:
		newSources := make([]*scalar.Expr, len(e.Sources))
		for i, s := range e.Sources {
			newSources[i] = inlineTree(s, posExpr, combined, oldSources)
		}
		return &scalar.Expr{Op: e.Op, DType: e.DType, Sources: newSources, Arg: e.Arg}
	}
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func requireSameShape(name string, a, b *Array) {
	if !sameShape(a.Shape(), b.Shape()) {
		errkit.Throw(errs.NewShapeError("array.%s: shape mismatch %v vs %v", name, a.Shape(), b.Shape()))
	}
}

func gidxSpecial(size int64) *scalar.Expr {
	return scalar.NewSpecial("gidx", size, dtypes.Int32)
}

// constI32 builds a literal int32 coordinate constant, used throughout
// the view-op coordinate remaps below.
func constI32(v int64) *scalar.Expr {
	return scalar.NewConst(scalar.Value{DType: dtypes.Int32, I32: int32(v)})
}

func product64(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

func pointwiseResult(shape []int64, expr *scalar.Expr, combined []*Array, backendOf *Array) *Array {
	return &Array{
		id:       uuid.New(),
		shape:    view.NewShapeTracker(shape),
		dtype:    expr.DType,
		backend:  backendOf.backend,
		pending:  &pendingOp{expr: scalar.Simplify(expr), sources: combined},
		refCount: 1,
	}
}

// elementwiseBinary builds a fused pointwise Array computing op(a, b);
// a and b must already share a shape (see BroadcastTo for automatic
// broadcasting at the call sites that need it).
func elementwiseBinary(op scalar.Op, a, b *Array) *Array {
	requireSameShape(op.String(), a, b)
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	lhs := inline(a, gidx, &combined)
	rhs := inline(b, gidx, &combined)
	expr := scalar.NewBinary(op, lhs, rhs)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

func elementwiseCompare(op scalar.Op, a, b *Array) *Array {
	requireSameShape(op.String(), a, b)
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	lhs := inline(a, gidx, &combined)
	rhs := inline(b, gidx, &combined)
	expr := scalar.NewCompare(op, lhs, rhs)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

func elementwiseUnaryMath(op scalar.Op, a *Array) *Array {
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	x := inline(a, gidx, &combined)
	expr := scalar.NewUnaryMath(op, x)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

// Add returns a+b (boolean operands: logical OR, per the scalar IR).
func (a *Array) Add(b *Array) *Array { return elementwiseBinary(scalar.OpAdd, a, b) }

// Sub returns a-b.
func (a *Array) Sub(b *Array) *Array { return elementwiseBinary(scalar.OpSub, a, b) }

// Mul returns a*b (boolean operands: logical AND).
func (a *Array) Mul(b *Array) *Array { return elementwiseBinary(scalar.OpMul, a, b) }

// IDiv returns a idiv b (floor division for integer operands, plain
// division for float operands).
func (a *Array) IDiv(b *Array) *Array { return elementwiseBinary(scalar.OpIDiv, a, b) }

// Mod returns a mod b, the complement of IDiv.
func (a *Array) Mod(b *Array) *Array { return elementwiseBinary(scalar.OpMod, a, b) }

// CmpLt returns the elementwise a<b boolean array.
func (a *Array) CmpLt(b *Array) *Array { return elementwiseCompare(scalar.OpCmpLt, a, b) }

// CmpNe returns the elementwise a!=b boolean array.
func (a *Array) CmpNe(b *Array) *Array { return elementwiseCompare(scalar.OpCmpNe, a, b) }

// Sin returns the elementwise sine of a (float dtype).
func (a *Array) Sin() *Array { return elementwiseUnaryMath(scalar.OpSin, a) }

// Cos returns the elementwise cosine of a (float dtype).
func (a *Array) Cos() *Array { return elementwiseUnaryMath(scalar.OpCos, a) }

// Neg returns -a, expressed as the primitive's own linearization
// target (0-a) rather than a dedicated scalar op, matching the way this
// IR has no unary negation node.
func (a *Array) Neg() *Array {
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	x := inline(a, gidx, &combined)
	zero := scalar.NewConst(scalar.Value{DType: a.dtype})
	expr := scalar.NewBinary(scalar.OpSub, zero, x)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

// Reciprocal returns 1/a, expressed as 1 idiv a: for float dtypes IDiv
// is plain division, so this is exactly the reciprocal (spec.md §3.1's
// reasoning for why float IDiv is not floored).
func (a *Array) Reciprocal() *Array {
	if !a.dtype.IsFloat() {
		errkit.Throw(errs.NewDtypeError("array.Reciprocal: dtype must be float, got %s", a.dtype))
	}
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	x := inline(a, gidx, &combined)
	one := scalar.NewConst(scalar.Value{DType: a.dtype, F32: 1})
	expr := scalar.NewBinary(scalar.OpIDiv, one, x)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

// Div returns a/b for float operands, built from Mul and Reciprocal
// (there is no dedicated division primitive; spec.md §4.1 lists only idiv).
func (a *Array) Div(b *Array) *Array {
	recip := b.Reciprocal()
	defer recip.Dispose()
	return a.Mul(recip)
}

// Where returns cond selecting between ifTrue and ifFalse elementwise;
// cond must be boolean, ifTrue and ifFalse must share a dtype and shape.
func Where(cond, ifTrue, ifFalse *Array) *Array {
	requireSameShape("where", cond, ifTrue)
	requireSameShape("where", ifTrue, ifFalse)
	gidx := gidxSpecial(product64(cond.Shape()))
	var combined []*Array
	c := inline(cond, gidx, &combined)
	t := inline(ifTrue, gidx, &combined)
	f := inline(ifFalse, gidx, &combined)
	expr := scalar.NewWhere(c, t, f)
	return pointwiseResult(cond.Shape(), expr, combined, cond)
}

// Min returns the elementwise minimum, built as where(b<a, b, a); on a
// tie it returns a, whose value equals b's.
func (a *Array) Min(b *Array) *Array {
	requireSameShape("min", a, b)
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	x := inline(a, gidx, &combined)
	y := inline(b, gidx, &combined)
	cond := scalar.NewCompare(scalar.OpCmpLt, y, x)
	expr := scalar.NewWhere(cond, y, x)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

// Max returns the elementwise maximum, built as where(a<b, b, a).
func (a *Array) Max(b *Array) *Array {
	requireSameShape("max", a, b)
	gidx := gidxSpecial(product64(a.Shape()))
	var combined []*Array
	x := inline(a, gidx, &combined)
	y := inline(b, gidx, &combined)
	cond := scalar.NewCompare(scalar.OpCmpLt, x, y)
	expr := scalar.NewWhere(cond, y, x)
	return pointwiseResult(a.Shape(), expr, combined, a)
}

func writeElem(dst []byte, v scalar.Value) {
	switch v.DType {
	case dtypes.Bool:
		if v.Bool {
			dst[0] = 1
		}
	case dtypes.Int32:
		putI32(dst, v.I32)
	case dtypes.Uint32:
		putU32(dst, v.U32)
	case dtypes.Float32:
		putF32(dst, v.F32)
	case dtypes.Float16:
		putF16(dst, v.F32)
	default:
		errkit.Throw(errs.NewDtypeError("array: unsupported dtype %s", v.DType))
	}
}
