package vmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/backends/cpu"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/trace"
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

func bind(prim trace.Primitive, params any, operands ...trace.Tracer) trace.Tracer {
	return trace.Bind(prim, params, operands...)[0]
}

// TestAddBatchedAgainstLoop checks vmap(add, inAxes=0) applied to a
// stacked batch against looping add over the batch and stacking results.
func TestAddBatchedAgainstLoop(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{3, 2}, f32(1, 2, 3, 4, 5, 6))
	y := array.FromBytes(b, dtypes.Float32, []int64{3, 2}, f32(10, 20, 30, 40, 50, 60))
	defer x.Dispose()
	defer y.Dispose()

	f := func(arg any) any {
		pair := arg.([]any)
		return bind(trace.Add, nil, pair[0].(trace.Tracer), pair[1].(trace.Tracer))
	}

	out := Of(f, []any{x, y}, []any{0, 0}).(*array.Array)
	defer out.Dispose()

	assert.Equal(t, []int64{3, 2}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 44, 55, 66}, readF32(out.Data()))
}

// TestBroadcastUnbatchedOperand checks that an unbatched second operand
// (a single vector shared across the batch) is broadcast correctly
// against a batched first operand.
func TestBroadcastUnbatchedOperand(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3}, f32(1, 2, 3, 4, 5, 6))
	y := array.FromBytes(b, dtypes.Float32, []int64{3}, f32(100, 200, 300))
	defer x.Dispose()
	defer y.Dispose()

	f := func(arg any) any {
		pair := arg.([]any)
		return bind(trace.Add, nil, pair[0].(trace.Tracer), pair[1].(trace.Tracer))
	}

	out := Of(f, []any{x, y}, []any{0, nil}).(*array.Array)
	defer out.Dispose()

	assert.Equal(t, []int64{2, 3}, out.Shape())
	assert.Equal(t, []float32{101, 202, 303, 104, 205, 306}, readF32(out.Data()))
}

// TestReduceSumAdjustsAxis checks that summing axis 1 of an unbatched
// logical shape [3,4], batched at axis 0 with batch size 2 (real shape
// [2,3,4]), reduces real axis 2 and keeps the batch axis at 0.
func TestReduceSumAdjustsAxis(t *testing.T) {
	b := cpu.New()
	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = float32(i)
	}
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3, 4}, f32(data...))
	defer x.Dispose()

	f := func(arg any) any {
		return bind(trace.ReduceSum, trace.ReduceSumParams{Axes: []int{1}}, arg.(trace.Tracer))
	}

	out := Of(f, x, 0).(*array.Array)
	defer out.Dispose()
	assert.Equal(t, []int64{2, 3}, out.Shape())
}

// TestTransposeThreadsBatchAxis checks that transposing an unbatched
// logical rank-2 shape leaves the batch axis fixed in place.
func TestTransposeThreadsBatchAxis(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{2, 3, 4}, f32(make([]float32, 24)...))
	defer x.Dispose()

	f := func(arg any) any {
		return bind(trace.Transpose, trace.TransposeParams{Perm: []int{1, 0}}, arg.(trace.Tracer))
	}

	out := Of(f, x, 0).(*array.Array)
	defer out.Dispose()
	assert.Equal(t, []int64{2, 4, 3}, out.Shape())
}

// TestUnbatchedOutputBroadcastToBatchSize checks that a computation whose
// output never touches the batched operand is still stacked to the batch
// size on return.
func TestUnbatchedOutputBroadcastToBatchSize(t *testing.T) {
	b := cpu.New()
	x := array.FromBytes(b, dtypes.Float32, []int64{3}, f32(1, 2, 3))
	y := array.FromBytes(b, dtypes.Float32, []int64{2}, f32(9, 9))
	defer x.Dispose()
	defer y.Dispose()

	f := func(arg any) any {
		pair := arg.([]any)
		_ = pair[0]
		return bind(trace.Neg, nil, pair[1].(trace.Tracer))
	}

	out := Of(f, []any{x, y}, []any{0, nil}).(*array.Array)
	defer out.Dispose()
	assert.Equal(t, []int64{3, 2}, out.Shape())
	assert.Equal(t, []float32{-9, -9, -9, -9, -9, -9}, readF32(out.Data()))
}
