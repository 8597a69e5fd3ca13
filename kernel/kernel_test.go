package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/scalar"
)

type emptyBindings struct{}

func (emptyBindings) Special(string) (scalar.Value, bool)               { return scalar.Value{}, false }
func (emptyBindings) GlobalIndex(int, int32, dtypes.DType) scalar.Value { return scalar.Value{} }

func TestPointwiseKernelEvaluate(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 4, dtypes.Int32)
	expr := scalar.NewBinary(scalar.OpMul, gidx, gidx)
	k := New(dtypes.Int32, 4, expr, nil)

	v := k.Evaluate(3, emptyBindings{})
	assert.Equal(t, int32(9), v.I32)
}

func TestReductionKernelSum(t *testing.T) {
	ridx := scalar.NewSpecial("ridx", 4, dtypes.Int32)
	racc := scalar.NewSpecial("racc", 0, dtypes.Int32)
	relem := scalar.NewSpecial("relem", 0, dtypes.Int32)
	combine := scalar.NewBinary(scalar.OpAdd, racc, relem)

	k := New(dtypes.Int32, 1, ridx, &Reduction{
		AxisSize: 4,
		Identity: scalar.ValueOf(int32(0)),
		Combine:  combine,
	})

	v := k.Evaluate(0, emptyBindings{})
	// Sum of ridx for ridx in [0,4) is 0+1+2+3 = 6.
	assert.Equal(t, int32(6), v.I32)
}

func TestReductionKernelWithEpilogue(t *testing.T) {
	ridx := scalar.NewSpecial("ridx", 4, dtypes.Int32)
	racc := scalar.NewSpecial("racc", 0, dtypes.Int32)
	relem := scalar.NewSpecial("relem", 0, dtypes.Int32)
	combine := scalar.NewBinary(scalar.OpAdd, racc, relem)
	epilogue := scalar.NewBinary(scalar.OpIDiv, racc, scalar.NewConst(scalar.ValueOf(int32(4))))

	k := New(dtypes.Int32, 1, ridx, &Reduction{
		AxisSize: 4,
		Identity: scalar.ValueOf(int32(0)),
		Combine:  combine,
		Epilogue: epilogue,
	})

	v := k.Evaluate(0, emptyBindings{})
	// Mean of [0,1,2,3] is 6/4 = 1 (floor div).
	assert.Equal(t, int32(1), v.I32)
}

func TestNArgsAcrossExprAndReduction(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 4, dtypes.Int32)
	a := scalar.NewGlobalIndex(0, dtypes.Int32, gidx)

	racc := scalar.NewSpecial("racc", 0, dtypes.Int32)
	ridx := scalar.NewSpecial("ridx", 4, dtypes.Int32)
	b := scalar.NewGlobalIndex(3, dtypes.Int32, ridx)
	combine := scalar.NewBinary(scalar.OpAdd, racc, b)

	k := New(dtypes.Int32, 1, a, &Reduction{
		AxisSize: 4,
		Identity: scalar.ValueOf(int32(0)),
		Combine:  combine,
	})
	require.Equal(t, 4, k.NArgs())
}

func TestNewRejectsDTypeMismatch(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 4, dtypes.Int32)
	assert.Panics(t, func() {
		New(dtypes.Float32, 4, gidx, nil)
	})
}
