package webgpu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
)

func pointwiseKernel() *kernel.Kernel {
	gidx := scalar.NewSpecial("gidx", 8, dtypes.Int32)
	read := scalar.NewGlobalIndex(0, dtypes.Float32, gidx)
	two := scalar.NewConst(scalar.ValueOf(float32(2)))
	expr := scalar.NewBinary(scalar.OpMul, read, two)
	return kernel.New(dtypes.Float32, 8, expr, nil)
}

// TestGenerateWGSLPointwise checks the shader scaffold for a pointwise
// kernel: one storage binding per input, the output binding, the size
// uniform, and the guarded main body.
func TestGenerateWGSLPointwise(t *testing.T) {
	src := GenerateWGSL(pointwiseKernel())

	assert.Contains(t, src, "@group(0) @binding(0) var<storage, read> in0: array<f32>;")
	assert.Contains(t, src, "@group(0) @binding(1) var<storage, read_write> out: array<f32>;")
	assert.Contains(t, src, "@group(0) @binding(2) var<uniform> params: Params;")
	assert.Contains(t, src, "@compute @workgroup_size(256)")
	assert.Contains(t, src, "if (global_id.x >= params.size)")
	assert.Contains(t, src, "let gidx: i32 = i32(global_id.x);")
	assert.Contains(t, src, "out[global_id.x] =")
	// 2.0 emitted exactly, as bits.
	assert.Contains(t, src, "bitcast<f32>(0x40000000u)")
	assert.NotContains(t, src, "floordiv_i32")
}

// TestGenerateWGSLReduction checks the accumulator loop and epilogue.
func TestGenerateWGSLReduction(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 4, dtypes.Int32)
	ridx := scalar.NewSpecial("ridx", 16, dtypes.Int32)
	sixteen := scalar.NewConst(scalar.ValueOf(int32(16)))
	pos := scalar.NewBinary(scalar.OpAdd, scalar.NewBinary(scalar.OpMul, gidx, sixteen), ridx)
	elem := scalar.NewGlobalIndex(0, dtypes.Float32, pos)
	racc := scalar.NewSpecial("racc", 0, dtypes.Float32)
	relem := scalar.NewSpecial("relem", 0, dtypes.Float32)
	combine := scalar.NewBinary(scalar.OpAdd, racc, relem)
	half := scalar.NewConst(scalar.ValueOf(float32(0.5)))
	epilogue := scalar.NewBinary(scalar.OpMul, racc, half)
	k := kernel.New(dtypes.Float32, 4, elem, &kernel.Reduction{
		AxisSize: 16,
		Identity: scalar.Value{DType: dtypes.Float32},
		Combine:  combine,
		Epilogue: epilogue,
	})

	src := GenerateWGSL(k)
	assert.Contains(t, src, "var acc: f32 = bitcast<f32>(0x00000000u);")
	assert.Contains(t, src, "for (var ridx: i32 = 0; ridx < 16; ridx = ridx + 1)")
	assert.Contains(t, src, "acc = ")
	// The epilogue multiplies the accumulator by 0.5 after the loop.
	assert.Contains(t, src, "bitcast<f32>(0x3f000000u)")
}

// TestGenerateWGSLFloorDivisionHelpers checks the i32 floor-division
// helpers are emitted only when an integer idiv/mod appears.
func TestGenerateWGSLFloorDivisionHelpers(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 8, dtypes.Int32)
	three := scalar.NewConst(scalar.ValueOf(int32(3)))
	div := scalar.NewBinary(scalar.OpIDiv, gidx, three)
	mod := scalar.NewBinary(scalar.OpMod, gidx, three)
	expr := scalar.NewBinary(scalar.OpAdd, div, mod)
	k := kernel.New(dtypes.Int32, 8, expr, nil)

	src := GenerateWGSL(k)
	assert.Contains(t, src, "fn floordiv_i32(a: i32, b: i32) -> i32")
	assert.Contains(t, src, "fn floormod_i32(a: i32, b: i32) -> i32")
}

// TestGenerateWGSLSharedSubexpression checks a DAG node referenced twice
// is computed into one let binding.
func TestGenerateWGSLSharedSubexpression(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 8, dtypes.Int32)
	read := scalar.NewGlobalIndex(0, dtypes.Float32, gidx)
	expr := scalar.NewBinary(scalar.OpMul, read, read)
	k := kernel.New(dtypes.Float32, 8, expr, nil)

	src := GenerateWGSL(k)
	require.Equal(t, 1, strings.Count(src, "in0[u32(gidx)]"))
}

// TestGenerateWGSLIsDeterministic checks the source is a pure function
// of the kernel, the property the pipeline cache keys on.
func TestGenerateWGSLIsDeterministic(t *testing.T) {
	assert.Equal(t, GenerateWGSL(pointwiseKernel()), GenerateWGSL(pointwiseKernel()))
}

// TestGenerateWGSLRejectsBoolStorage checks bool-valued kernels have no
// storage representation on this backend.
func TestGenerateWGSLRejectsBoolStorage(t *testing.T) {
	gidx := scalar.NewSpecial("gidx", 8, dtypes.Int32)
	zero := scalar.NewConst(scalar.ValueOf(int32(0)))
	expr := scalar.NewCompare(scalar.OpCmpLt, gidx, zero)
	k := kernel.New(dtypes.Bool, 8, expr, nil)
	assert.Panics(t, func() { GenerateWGSL(k) })
}
