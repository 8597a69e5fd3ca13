package scalar

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/dtypes"
)

func i32(x int32) *Expr { return NewConst(ValueOf(x)) }

func TestEvalArithmetic(t *testing.T) {
	e := NewBinary(OpAdd, i32(2), NewBinary(OpMul, i32(3), i32(4)))
	v := Eval(e, MapBindings{})
	assert.Equal(t, int32(14), v.I32)
}

func TestEvalFloorDivMod(t *testing.T) {
	// floor division and modulo, unlike Go's truncating "/" and "%".
	assert.Equal(t, int32(-2), floorDivInt32(-3, 2))
	assert.Equal(t, int32(1), floorModInt32(-3, 2))
	assert.Equal(t, int32(1), floorDivInt32(3, 2))
	assert.Equal(t, int32(1), floorModInt32(3, 2))
}

func TestEvalSpecialBinding(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	e := NewBinary(OpAdd, gidx, i32(1))
	v, err := EvalSafe(e, MapBindings{"gidx": ValueOf(int32(5))})
	require.NoError(t, err)
	assert.Equal(t, int32(6), v.I32)
}

func TestEvalMissingSpecialBinding(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	_, err := EvalSafe(gidx, MapBindings{})
	require.Error(t, err)
}

func TestEvalWhere(t *testing.T) {
	cond := NewCompare(OpCmpLt, i32(1), i32(2))
	e := NewWhere(cond, i32(10), i32(20))
	v := Eval(e, MapBindings{})
	assert.Equal(t, int32(10), v.I32)
}

func TestEvalBooleanAddIsOr(t *testing.T) {
	tru := NewConst(ValueOf(true))
	fls := NewConst(ValueOf(false))
	v := Eval(NewBinary(OpAdd, fls, tru), MapBindings{})
	assert.True(t, v.Bool)
	v = Eval(NewBinary(OpMul, fls, tru), MapBindings{})
	assert.False(t, v.Bool)
}

func TestSimplifyIdentityFolds(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	zero := i32(0)
	one := i32(1)

	addZero := Simplify(NewBinary(OpAdd, gidx, zero))
	assert.Same(t, gidx, addZero)

	mulOne := Simplify(NewBinary(OpMul, one, gidx))
	assert.Same(t, gidx, mulOne)

	mulZero := Simplify(NewBinary(OpMul, gidx, zero))
	assert.Equal(t, OpConst, mulZero.Op)
	assert.Equal(t, int32(0), mulZero.Arg.(Value).I32)
}

func TestSimplifyConstantFolding(t *testing.T) {
	e := NewBinary(OpAdd, i32(2), NewBinary(OpMul, i32(3), i32(4)))
	out := Simplify(e)
	require.Equal(t, OpConst, out.Op)
	assert.Equal(t, int32(14), out.Arg.(Value).I32)
}

func TestSimplifyIsIdempotent(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	e := NewBinary(OpAdd, NewBinary(OpMul, gidx, i32(1)), i32(0))
	once := Simplify(e)
	twice := Simplify(once)
	assert.Same(t, once, twice)
}

func TestSimplifyDoubleNegation(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	neg := NewBinary(OpSub, i32(0), gidx)
	doubleNeg := NewBinary(OpSub, i32(0), neg)
	assert.Same(t, gidx, Simplify(doubleNeg))
}

func TestSimplifyWhereWithConstCond(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	e := NewWhere(NewConst(ValueOf(true)), gidx, i32(0))
	assert.Same(t, gidx, Simplify(e))
}

func TestSimplifySharedSubtreeRewrittenOnce(t *testing.T) {
	gidx := NewSpecial("gidx", 16, dtypes.Int32)
	shared := NewBinary(OpAdd, gidx, i32(0))
	e := NewBinary(OpMul, shared, shared)
	out := Simplify(e)
	require.Len(t, out.Sources, 2)
	assert.Same(t, out.Sources[0], out.Sources[1])
	assert.Same(t, gidx, out.Sources[0])
}

func TestNArgs(t *testing.T) {
	idx := NewSpecial("gidx", 16, dtypes.Int32)
	a := NewGlobalIndex(0, dtypes.Float32, idx)
	b := NewGlobalIndex(2, dtypes.Float32, idx)
	e := NewBinary(OpAdd, a, b)
	assert.Equal(t, 3, NArgs(e))
}

func TestNewBinaryDTypeMismatchPanics(t *testing.T) {
	f := NewConst(ValueOf(float32(1)))
	assert.Panics(t, func() {
		NewBinary(OpAdd, i32(1), f)
	})
}

// TestSimplifyRebuildsEquivalentTree diffs the whole simplified tree
// structurally: mul-by-one and add-zero collapse to the bare operand.
func TestSimplifyRebuildsEquivalentTree(t *testing.T) {
	gidx := NewSpecial("gidx", 8, dtypes.Int32)
	e := NewBinary(OpAdd, NewBinary(OpMul, gidx, i32(1)), i32(0))
	if diff := cmp.Diff(gidx, Simplify(e)); diff != "" {
		t.Errorf("simplified tree mismatch (-want +got):\n%s", diff)
	}
}

// TestSimplifyWherePreservesBranchTrees checks an unsimplifiable where
// keeps both branch subtrees intact, compared node-for-node.
func TestSimplifyWherePreservesBranchTrees(t *testing.T) {
	gidx := NewSpecial("gidx", 8, dtypes.Int32)
	cond := NewCompare(OpCmpLt, gidx, i32(4))
	e := NewWhere(cond, NewBinary(OpAdd, gidx, i32(2)), gidx)
	got := Simplify(e)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("where tree changed under simplification (-want +got):\n%s", diff)
	}
}
