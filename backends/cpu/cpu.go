// Package cpu implements the reference pure-Go backend: kernels are
// dispatched by evaluating scalar.Expr once per output index across a
// worker pool, and slots are plain byte slices behind a mutex-guarded
// reference count.
package cpu

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/internal/workerspool"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/x448/float16"
)

func init() {
	backends.Register("cpu", func(config string) backends.Backend {
		return New()
	})
}

// Backend is the reference pure-Go implementation of backends.Backend.
type Backend struct {
	pool *workerspool.Pool
}

// New returns a CPU backend using the default worker pool parallelism (runtime.NumCPU()).
func New() *Backend {
	return &Backend{pool: workerspool.New()}
}

func (b *Backend) Name() string { return "cpu" }

// slot is the CPU backend's Slot implementation: a byte buffer with an
// explicit, mutex-guarded reference count.
type slot struct {
	mu       sync.Mutex
	data     []byte
	refCount int
}

const allocAlignment = 64

func roundUp(n, align int64) int64 {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func (b *Backend) Malloc(sizeBytes int64, initialData []byte) backends.Slot {
	if initialData != nil && int64(len(initialData)) != sizeBytes {
		errkit.Throw(errs.NewShapeError("cpu.Malloc: initialData length %d does not match sizeBytes %d", len(initialData), sizeBytes))
	}
	allocSize := roundUp(sizeBytes, allocAlignment)
	s := &slot{data: make([]byte, allocSize), refCount: 1}
	if initialData != nil {
		copy(s.data, initialData)
	}
	return s
}

func asSlot(s backends.Slot) *slot {
	cs, ok := s.(*slot)
	if !ok {
		errkit.Throw(errs.NewReferenceError("cpu: slot %v does not belong to this backend", s))
	}
	return cs
}

func (b *Backend) IncRef(s backends.Slot) {
	cs := asSlot(s)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("cpu.IncRef: slot already freed"))
	}
	cs.refCount++
}

func (b *Backend) DecRef(s backends.Slot) {
	cs := asSlot(s)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("cpu.DecRef: double free"))
	}
	cs.refCount--
	if cs.refCount == 0 {
		cs.data = nil
	}
}

func (b *Backend) ReadSync(s backends.Slot, start, count int64) []byte {
	cs := asSlot(s)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("cpu.Read: slot already freed"))
	}
	if start < 0 || start+count > int64(len(cs.data)) {
		errkit.Throw(errs.NewShapeError("cpu.Read: range [%d,%d) out of bounds for slot of size %d", start, start+count, len(cs.data)))
	}
	out := make([]byte, count)
	copy(out, cs.data[start:start+count])
	return out
}

func (b *Backend) Read(s backends.Slot, start, count int64) <-chan []byte {
	ch := make(chan []byte, 1)
	ch <- b.ReadSync(s, start, count)
	close(ch)
	return ch
}

// executable is the CPU backend's compiled form: a Kernel is already
// directly interpretable, so compilation is the identity: a future
// fused-kernel backend would specialize this to generated Go closures.
type executable struct {
	kernel *kernel.Kernel
}

func (b *Backend) PrepareSync(k *kernel.Kernel) backends.Executable {
	return &executable{kernel: k}
}

func (b *Backend) Prepare(k *kernel.Kernel) <-chan backends.Executable {
	ch := make(chan backends.Executable, 1)
	ch <- b.PrepareSync(k)
	close(ch)
	return ch
}

func (b *Backend) Dispatch(exe backends.Executable, inputs []backends.Slot, output backends.Slot) {
	e, ok := exe.(*executable)
	if !ok {
		errkit.Throw(errs.NewBackendError(nil, "cpu.Dispatch: executable does not belong to this backend"))
	}
	k := e.kernel
	inSlots := make([]*slot, len(inputs))
	for i, in := range inputs {
		inSlots[i] = asSlot(in)
	}
	out := asSlot(output)

	elemSize := int64(k.OutputDType.Size())
	bindings := &dispatchBindings{inputs: inSlots}

	var next int64
	var mu sync.Mutex
	b.pool.Saturate(func() {
		for {
			mu.Lock()
			gidx := next
			if gidx >= k.OutputSize {
				mu.Unlock()
				return
			}
			next++
			mu.Unlock()

			v := k.Evaluate(gidx, bindings)
			writeValue(out.data[gidx*elemSize:(gidx+1)*elemSize], v)
		}
	})
}

// dispatchBindings answers GlobalIndex reads from the CPU backend's input
// slots, decoding raw bytes per the reading node's dtype — input buffers
// need not share the kernel's output dtype (a where reads a bool
// condition buffer into a float kernel, a comparison reads float buffers
// into a bool kernel).
type dispatchBindings struct {
	inputs []*slot
}

func (d *dispatchBindings) Special(string) (scalar.Value, bool) {
	return scalar.Value{}, false
}

func (d *dispatchBindings) GlobalIndex(gid int, index int32, dtype dtypes.DType) scalar.Value {
	if gid < 0 || gid >= len(d.inputs) {
		errkit.Throw(errs.NewReferenceError("cpu: global_index references unbound input %d", gid))
	}
	return readValue(d.inputs[gid].data, int64(index)*int64(dtype.Size()), dtype)
}

func readValue(data []byte, offset int64, dt dtypes.DType) scalar.Value {
	switch dt {
	case dtypes.Bool:
		return scalar.Value{DType: dtypes.Bool, Bool: data[offset] != 0}
	case dtypes.Int32:
		return scalar.Value{DType: dtypes.Int32, I32: int32(binary.LittleEndian.Uint32(data[offset:]))}
	case dtypes.Uint32:
		return scalar.Value{DType: dtypes.Uint32, U32: binary.LittleEndian.Uint32(data[offset:])}
	case dtypes.Float32:
		bits := binary.LittleEndian.Uint32(data[offset:])
		return scalar.Value{DType: dtypes.Float32, F32: math.Float32frombits(bits)}
	case dtypes.Float16:
		bits := binary.LittleEndian.Uint16(data[offset:])
		return scalar.Value{DType: dtypes.Float16, F32: float16.Frombits(bits).Float32()}
	default:
		errkit.Throw(errs.NewDtypeError("cpu: unsupported dtype %s", dt))
		panic("unreachable")
	}
}

func writeValue(dst []byte, v scalar.Value) {
	switch v.DType {
	case dtypes.Bool:
		if v.Bool {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case dtypes.Int32:
		binary.LittleEndian.PutUint32(dst, uint32(v.I32))
	case dtypes.Uint32:
		binary.LittleEndian.PutUint32(dst, v.U32)
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v.F32))
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(v.F32).Bits())
	default:
		errkit.Throw(errs.NewDtypeError("cpu: unsupported dtype %s", v.DType))
	}
}

func (b *Backend) Finalize() {}
