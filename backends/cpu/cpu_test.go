package cpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
)

func float32Bytes(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func TestMallocReadRoundTrip(t *testing.T) {
	b := New()
	data := float32Bytes(1, 2, 3, 4)
	s := b.Malloc(int64(len(data)), data)
	got := b.ReadSync(s, 0, int64(len(data)))
	assert.Equal(t, data, got)
}

func TestRefCountDoubleFreePanics(t *testing.T) {
	b := New()
	s := b.Malloc(64, nil)
	b.DecRef(s)
	assert.Panics(t, func() {
		b.DecRef(s)
	})
}

func TestDispatchPointwiseKernel(t *testing.T) {
	b := New()
	inData := float32Bytes(1, 2, 3, 4)
	in := b.Malloc(int64(len(inData)), inData)
	out := b.Malloc(int64(len(inData)), nil)

	gidx := scalar.NewSpecial("gidx", 4, dtypes.Int32)
	read := scalar.NewGlobalIndex(0, dtypes.Float32, gidx)
	two := scalar.NewConst(scalar.ValueOf(float32(2)))
	expr := scalar.NewBinary(scalar.OpMul, read, two)
	k := kernel.New(dtypes.Float32, 4, expr, nil)

	exe := b.PrepareSync(k)
	b.Dispatch(exe, []backends.Slot{in}, out)

	got := b.ReadSync(out, 0, int64(len(inData)))
	want := float32Bytes(2, 4, 6, 8)
	assert.Equal(t, want, got)
}

func TestDispatchReductionKernel(t *testing.T) {
	b := New()
	inData := float32Bytes(1, 2, 3, 4)
	in := b.Malloc(int64(len(inData)), inData)
	out := b.Malloc(4, nil)

	ridx := scalar.NewSpecial("ridx", 4, dtypes.Int32)
	read := scalar.NewGlobalIndex(0, dtypes.Float32, ridx)
	racc := scalar.NewSpecial("racc", 0, dtypes.Float32)
	relem := scalar.NewSpecial("relem", 0, dtypes.Float32)
	combine := scalar.NewBinary(scalar.OpAdd, racc, relem)
	k := kernel.New(dtypes.Float32, 1, read, &kernel.Reduction{
		AxisSize: 4,
		Identity: scalar.ValueOf(float32(0)),
		Combine:  combine,
	})

	exe := b.PrepareSync(k)
	b.Dispatch(exe, []backends.Slot{in}, out)

	got := b.ReadSync(out, 0, 4)
	require.Equal(t, float32Bytes(10), got)
}
