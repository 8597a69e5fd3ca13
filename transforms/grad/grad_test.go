package grad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/backends/cpu"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/trace"
	"github.com/tracekernel/tracekernel/transforms/jvp"
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

// TestGradSumOfSquares checks d/dx sum(x*x) = 2x, and that the input is
// still alive afterward (one dispose succeeds, a second one panics).
func TestGradSumOfSquares(t *testing.T) {
	b := cpu.New()
	f := func(arg any) any {
		xt := arg.(trace.Tracer)
		sq := bind(trace.Mul, nil, xt, xt)
		return bind(trace.ReduceSum, trace.ReduceSumParams{Axes: []int{0}}, sq)
	}

	x := array.FromBytes(b, dtypes.Float32, []int64{4}, f32(1, 2, 3, 4))
	g := Of(f, 0)(x).(*array.Array)
	assert.Equal(t, []float32{2, 4, 6, 8}, readF32(g.Data()))
	g.Dispose()

	x.Dispose()
	assert.Panics(t, func() { x.Dispose() })
}

// TestGradSin checks d/dx sin(x) at 3.0 is cos(3.0).
func TestGradSin(t *testing.T) {
	b := cpu.New()
	f := func(arg any) any {
		return bind(trace.Sin, nil, arg.(trace.Tracer))
	}

	x := array.FromBytes(b, dtypes.Float32, []int64{1}, f32(3))
	defer x.Dispose()
	g := Of(f, 0)(x).(*array.Array)
	defer g.Dispose()

	got := readF32(g.Data())
	assert.InDelta(t, -0.989992, got[0], 1e-5)
}

// TestThirdDerivativeSin nests jvp.Of three levels deep: sin”' = -cos,
// so at 3.0 the value is 0.989992.
func TestThirdDerivativeSin(t *testing.T) {
	b := cpu.New()
	one := array.FromBytes(b, dtypes.Float32, []int64{1}, f32(1))
	defer one.Dispose()

	sinF := func(arg any) any {
		return bind(trace.Sin, nil, arg.(trace.Tracer))
	}
	d1 := func(arg any) any {
		_, tangent := jvp.Of(sinF, arg, one)
		return tangent
	}
	d2 := func(arg any) any {
		_, tangent := jvp.Of(d1, arg, one)
		return tangent
	}

	x := array.FromBytes(b, dtypes.Float32, []int64{1}, f32(3))
	defer x.Dispose()
	_, d3 := jvp.Of(d2, x, one)
	d3Arr := d3.(*array.Array)
	defer d3Arr.Dispose()

	got := readF32(d3Arr.Data())
	assert.InDelta(t, 0.989992, got[0], 1e-5)
}

// TestGradSecondArgument selects the differentiated argument by argnum.
func TestGradSecondArgument(t *testing.T) {
	b := cpu.New()
	f := func(arg any) any {
		pair := arg.([]any)
		xt := pair[0].(trace.Tracer)
		yt := pair[1].(trace.Tracer)
		prod := bind(trace.Mul, nil, xt, yt)
		return bind(trace.ReduceSum, trace.ReduceSumParams{Axes: []int{0}}, prod)
	}

	x := array.FromBytes(b, dtypes.Float32, []int64{2}, f32(3, 5))
	y := array.FromBytes(b, dtypes.Float32, []int64{2}, f32(7, 11))
	defer x.Dispose()
	defer y.Dispose()

	g := Of(f, 1)([]any{x, y}).(*array.Array)
	defer g.Dispose()
	assert.Equal(t, []float32{3, 5}, readF32(g.Data()))
}

// TestJacFwdElementwiseSquare checks the Jacobian of x -> x*x is the
// diagonal matrix diag(2x).
func TestJacFwdElementwiseSquare(t *testing.T) {
	b := cpu.New()
	f := func(arg any) any {
		xt := arg.(trace.Tracer)
		return bind(trace.Mul, nil, xt, xt)
	}

	x := array.FromBytes(b, dtypes.Float32, []int64{3}, f32(1, 2, 3))
	defer x.Dispose()

	jac := JacFwd(f, x)
	defer jac.Dispose()
	require.Equal(t, []int64{3, 3}, jac.Shape())
	assert.Equal(t, []float32{
		2, 0, 0,
		0, 4, 0,
		0, 0, 6,
	}, readF32(jac.Data()))
}

// TestSinPrimalAndFirstDerivative pins sin(3.0) and d/dx sin at 3.0
// through one JVP pass.
func TestSinPrimalAndFirstDerivative(t *testing.T) {
	b := cpu.New()
	sinF := func(arg any) any {
		return bind(trace.Sin, nil, arg.(trace.Tracer))
	}
	x := array.FromBytes(b, dtypes.Float32, []int64{1}, f32(3))
	one := array.FromBytes(b, dtypes.Float32, []int64{1}, f32(1))
	defer x.Dispose()
	defer one.Dispose()

	primal, tangent := jvp.Of(sinF, x, one)
	primalArr := primal.(*array.Array)
	tangentArr := tangent.(*array.Array)
	defer primalArr.Dispose()
	defer tangentArr.Dispose()

	assert.InDelta(t, 0.141120, readF32(primalArr.Data())[0], 1e-5)
	assert.InDelta(t, -0.989992, readF32(tangentArr.Data())[0], 1e-5)
}
