package einsum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/backends/cpu"
	"github.com/tracekernel/tracekernel/dtypes"
)

func f32(vs ...float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func readF32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// TestPlanThreeMatrixChain checks the optimal path and FLOP count for
// the ij,jk,kl->il chain with sizes i=10, j=20, k=30, l=40.
func TestPlanThreeMatrixChain(t *testing.T) {
	plan := PlanFor("ij,jk,kl->il",
		[]int64{10, 20}, []int64{20, 30}, []int64{30, 40})
	assert.Equal(t, []Step{{0, 1}, {2, 3}}, plan.Path)
	assert.Equal(t, int64(2*(10*30*20+10*40*30)), plan.Flops)
}

// TestEinsumMatMul checks ij,jk->ik against a hand-computed product.
func TestEinsumMatMul(t *testing.T) {
	b := cpu.New()
	// [[1,2],[3,4]] x [[5,6],[7,8]] = [[19,22],[43,50]]
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 2}, f32(1, 2, 3, 4))
	y := array.FromBytes(b, dtypes.Float32, []int64{2, 2}, f32(5, 6, 7, 8))
	defer x.Dispose()
	defer y.Dispose()

	out := Einsum("ij,jk->ik", x, y)
	defer out.Dispose()
	require.Equal(t, []int64{2, 2}, out.Shape())
	assert.Equal(t, []float32{19, 22, 43, 50}, readF32(out.Data()))
}

// TestEinsumChainMatchesPairwise checks ij,jk,kl->il against composing
// two MatMul calls.
func TestEinsumChainMatchesPairwise(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3}, f32(1, 2, 3, 4, 5, 6))
	y := array.FromBytes(b, dtypes.Float32, []int64{3, 2}, f32(7, 8, 9, 10, 11, 12))
	z := array.FromBytes(b, dtypes.Float32, []int64{2, 2}, f32(1, 0, 0, 2))
	defer x.Dispose()
	defer y.Dispose()
	defer z.Dispose()

	got := Einsum("ij,jk,kl->il", x, y, z)
	defer got.Dispose()

	xy := x.MatMul(y)
	want := xy.MatMul(z)
	xy.Dispose()
	defer want.Dispose()

	require.Equal(t, want.Shape(), got.Shape())
	assert.Equal(t, readF32(want.Data()), readF32(got.Data()))
}

// TestEinsumTransposeOutput checks output reordering: ij->ji.
func TestEinsumTransposeOutput(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3}, f32(1, 2, 3, 4, 5, 6))
	defer x.Dispose()

	out := Einsum("ij->ji", x)
	defer out.Dispose()
	require.Equal(t, []int64{3, 2}, out.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, readF32(out.Data()))
}

// TestEinsumRowSum checks reduction of a label absent from the output.
func TestEinsumRowSum(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3}, f32(1, 2, 3, 4, 5, 6))
	defer x.Dispose()

	out := Einsum("ij->i", x)
	defer out.Dispose()
	require.Equal(t, []int64{2}, out.Shape())
	assert.Equal(t, []float32{6, 15}, readF32(out.Data()))
}

// TestEinsumInnerProduct checks full contraction to a scalar.
func TestEinsumInnerProduct(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{3}, f32(1, 2, 3))
	y := array.FromBytes(b, dtypes.Float32, []int64{3}, f32(4, 5, 6))
	defer x.Dispose()
	defer y.Dispose()

	out := Einsum("i,i->", x, y)
	defer out.Dispose()
	require.Equal(t, []int64{}, out.Shape())
	assert.Equal(t, []float32{32}, readF32(out.Data()))
}

// TestEinsumBatchedMatMul threads a shared batch label through: bij,bjk->bik.
func TestEinsumBatchedMatMul(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 1, 2}, f32(1, 2, 3, 4))
	y := array.FromBytes(b, dtypes.Float32, []int64{2, 2, 1}, f32(5, 6, 7, 8))
	defer x.Dispose()
	defer y.Dispose()

	out := Einsum("bij,bjk->bik", x, y)
	defer out.Dispose()
	require.Equal(t, []int64{2, 1, 1}, out.Shape())
	assert.Equal(t, []float32{1*5 + 2*6, 3*7 + 4*8}, readF32(out.Data()))
}

// TestEinsumRejectsMismatchedDims checks the dedicated shape error.
func TestEinsumRejectsMismatchedDims(t *testing.T) {
	assert.Panics(t, func() {
		PlanFor("ij,jk->ik", []int64{2, 3}, []int64{4, 2})
	})
}
