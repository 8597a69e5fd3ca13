package scalar

import "github.com/tracekernel/tracekernel/dtypes"

// Simplify rewrites e into an equivalent, normally smaller, expression:
// identity folds (x+0, x*1, x*0, where(true,...)), constant folding of
// subtrees with no Special or GlobalIndex leaves, and collapsing a
// double negation (Sub(0, Sub(0, x))). It is idempotent: Simplify(e) is a
// fixpoint of itself, modulo the pointer identity of unrelated subtrees.
//
// Each call starts a fresh memo table keyed by node identity, so a DAG
// with shared substructure is only rewritten once per call even though
// the same *Expr appears as a source of multiple parents.
func Simplify(e *Expr) *Expr {
	memo := make(map[*Expr]*Expr)
	return simplify(e, memo)
}

func simplify(e *Expr, memo map[*Expr]*Expr) *Expr {
	if out, ok := memo[e]; ok {
		return out
	}
	out := simplifyOnce(e, memo)
	memo[e] = out
	return out
}

func simplifyOnce(e *Expr, memo map[*Expr]*Expr) *Expr {
	switch e.Op {
	case OpConst, OpSpecial:
		return e
	}

	sources := make([]*Expr, len(e.Sources))
	changed := false
	for i, s := range e.Sources {
		sources[i] = simplify(s, memo)
		if sources[i] != s {
			changed = true
		}
	}

	rebuilt := e
	if changed {
		rebuilt = &Expr{Op: e.Op, DType: e.DType, Sources: sources, Arg: e.Arg}
	}

	if isPure(rebuilt) {
		if v, ok := tryFold(rebuilt); ok {
			return NewConst(v)
		}
	}

	return applyIdentities(rebuilt)
}

// isPure reports whether e's subtree contains no Special or GlobalIndex
// leaf, i.e. it can be evaluated at simplify time with no bindings.
func isPure(e *Expr) bool {
	switch e.Op {
	case OpSpecial, OpGlobalIndex:
		return false
	case OpConst:
		return true
	}
	for _, s := range e.Sources {
		if !isPure(s) {
			return false
		}
	}
	return true
}

func tryFold(e *Expr) (Value, bool) {
	v, err := EvalSafe(e, MapBindings{})
	if err != nil {
		return Value{}, false
	}
	return v, true
}

func applyIdentities(e *Expr) *Expr {
	switch e.Op {
	case OpAdd:
		lhs, rhs := e.Sources[0], e.Sources[1]
		if isZero(rhs) {
			return lhs
		}
		if isZero(lhs) {
			return rhs
		}
		// a + (-1)*b ⇒ a - b; the new node is rewritten again so the
		// result is a fixpoint.
		if rhs.Op == OpMul && isNegOne(rhs.Sources[0]) {
			return applyIdentities(&Expr{Op: OpSub, DType: e.DType, Sources: []*Expr{lhs, rhs.Sources[1]}})
		}
		if rhs.Op == OpMul && isNegOne(rhs.Sources[1]) {
			return applyIdentities(&Expr{Op: OpSub, DType: e.DType, Sources: []*Expr{lhs, rhs.Sources[0]}})
		}
		if lhs.Op == OpMul && isNegOne(lhs.Sources[0]) {
			return applyIdentities(&Expr{Op: OpSub, DType: e.DType, Sources: []*Expr{rhs, lhs.Sources[1]}})
		}
		if lhs.Op == OpMul && isNegOne(lhs.Sources[1]) {
			return applyIdentities(&Expr{Op: OpSub, DType: e.DType, Sources: []*Expr{rhs, lhs.Sources[0]}})
		}
	case OpSub:
		lhs, rhs := e.Sources[0], e.Sources[1]
		if isZero(rhs) {
			return lhs
		}
		// Sub(0, Sub(0, x)) == x: a double negation.
		if isZero(lhs) && rhs.Op == OpSub && isZero(rhs.Sources[0]) {
			return rhs.Sources[1]
		}
		// a - (-1)*b ⇒ a + b, rewritten again like the Add case.
		if rhs.Op == OpMul && isNegOne(rhs.Sources[0]) {
			return applyIdentities(&Expr{Op: OpAdd, DType: e.DType, Sources: []*Expr{lhs, rhs.Sources[1]}})
		}
		if rhs.Op == OpMul && isNegOne(rhs.Sources[1]) {
			return applyIdentities(&Expr{Op: OpAdd, DType: e.DType, Sources: []*Expr{lhs, rhs.Sources[0]}})
		}
	case OpMul:
		lhs, rhs := e.Sources[0], e.Sources[1]
		if isOne(rhs) {
			return lhs
		}
		if isOne(lhs) {
			return rhs
		}
		if isZero(lhs) {
			return lhs
		}
		if isZero(rhs) {
			return rhs
		}
	case OpIDiv:
		lhs, rhs := e.Sources[0], e.Sources[1]
		if isOne(rhs) {
			return lhs
		}
	case OpWhere:
		cond := e.Sources[0]
		if cond.Op == OpConst {
			if cond.Arg.(Value).Bool {
				return e.Sources[1]
			}
			return e.Sources[2]
		}
	}
	return e
}

func isZero(e *Expr) bool {
	if e.Op != OpConst {
		return false
	}
	v := e.Arg.(Value)
	switch v.DType {
	case dtypes.Int32:
		return v.I32 == 0
	case dtypes.Uint32:
		return v.U32 == 0
	case dtypes.Float32, dtypes.Float16:
		return v.F32 == 0
	case dtypes.Bool:
		return !v.Bool
	}
	return false
}

func isNegOne(e *Expr) bool {
	if e.Op != OpConst {
		return false
	}
	v := e.Arg.(Value)
	switch v.DType {
	case dtypes.Int32:
		return v.I32 == -1
	case dtypes.Float32, dtypes.Float16:
		return v.F32 == -1
	}
	return false
}

func isOne(e *Expr) bool {
	if e.Op != OpConst {
		return false
	}
	v := e.Arg.(Value)
	switch v.DType {
	case dtypes.Int32:
		return v.I32 == 1
	case dtypes.Uint32:
		return v.U32 == 1
	case dtypes.Float32, dtypes.Float16:
		return v.F32 == 1
	case dtypes.Bool:
		return v.Bool
	}
	return false
}
