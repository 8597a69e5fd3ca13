package xrand

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/backends/cpu"
	"github.com/tracekernel/tracekernel/dtypes"
)

func readU32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return out
}

func readF32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i, w := range readU32(data) {
		out[i] = math.Float32frombits(w)
	}
	return out
}

// TestBitsSeedZero pins the first words of the seed-0 bit stream; these
// values are part of the public contract and must never change.
func TestBitsSeedZero(t *testing.T) {
	b := cpu.New()
	one := Bits(b, NewKey(0), []int64{1})
	defer one.Dispose()
	assert.Equal(t, []uint32{4070199207}, readU32(one.Data()))

	four := Bits(b, NewKey(0), []int64{4})
	defer four.Dispose()
	assert.Equal(t, []uint32{4070199207, 4202968722, 1427181096, 2012915765}, readU32(four.Data()))
}

// TestSplitSeedZero pins the 3x2 key matrix derived from seed 0.
func TestSplitSeedZero(t *testing.T) {
	keys := Split(NewKey(0), 3)
	assert.Equal(t, []Key{
		{1797259609, 2579123966},
		{928981903, 3453687069},
		{4146024105, 2718843009},
	}, keys)

	b := cpu.New()
	arr := SplitArray(b, NewKey(0), 3)
	defer arr.Dispose()
	require.Equal(t, []int64{3, 2}, arr.Shape())
	require.Equal(t, dtypes.Uint32, arr.DType())
	assert.Equal(t, []uint32{
		1797259609, 2579123966,
		928981903, 3453687069,
		4146024105, 2718843009,
	}, readU32(arr.Data()))
}

// TestSplitKeysDiverge checks that sibling keys produce unrelated streams.
func TestSplitKeysDiverge(t *testing.T) {
	b := cpu.New()
	keys := Split(NewKey(7), 2)
	x := Bits(b, keys[0], []int64{8})
	y := Bits(b, keys[1], []int64{8})
	defer x.Dispose()
	defer y.Dispose()
	assert.NotEqual(t, readU32(x.Data()), readU32(y.Data()))
}

// TestUniformRange checks every draw lands in [lo, hi) and the stream is
// deterministic per key.
func TestUniformRange(t *testing.T) {
	b := cpu.New()
	u := Uniform(b, NewKey(42), []int64{256}, -2, 3)
	defer u.Dispose()
	vals := readF32(u.Data())
	for _, v := range vals {
		assert.GreaterOrEqual(t, v, float32(-2))
		assert.Less(t, v, float32(3))
	}

	again := Uniform(b, NewKey(42), []int64{256}, -2, 3)
	defer again.Dispose()
	assert.Equal(t, vals, readF32(again.Data()))
}

// TestUniformSeedZeroFirstValue pins the first uniform draw for seed 0,
// derived from the pinned bit stream.
func TestUniformSeedZeroFirstValue(t *testing.T) {
	b := cpu.New()
	u := Uniform(b, NewKey(0), []int64{1}, 0, 1)
	defer u.Dispose()
	got := readF32(u.Data())
	assert.InDelta(t, 0.94766700, got[0], 1e-7)
}

// TestNormalMoments sanity-checks mean and variance over a large draw.
func TestNormalMoments(t *testing.T) {
	b := cpu.New()
	z := Normal(b, NewKey(1), []int64{4096})
	defer z.Dispose()
	vals := readF32(z.Data())

	var sum, sumSq float64
	for _, v := range vals {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	n := float64(len(vals))
	mean := sum / n
	variance := sumSq/n - mean*mean
	assert.InDelta(t, 0, mean, 0.1)
	assert.InDelta(t, 1, variance, 0.1)
}
