// Package array implements the user-visible lazy array (spec.md §3.4):
// an expression plus shape tracker plus pending kernel set over a
// backend, fused by reusing the teacher's scalar-expression tree rather
// than forcing execution until data is read or a dispose barrier is hit.
package array

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/tracekernel/tracekernel/view"
)

// pendingOp is the deferred computation that will produce an Array's
// slot: either a pointwise expression (Reduction == nil) or a reduction.
// Source gids index into Sources in the order GlobalIndex nodes in Expr
// were assigned, and Sources contains only materialized leaves or
// reduction-pending arrays, never further pointwise-pending arrays --
// every builder in this package inlines pointwise operands at
// construction time, so that invariant always holds by the time a
// pendingOp exists.
type pendingOp struct {
	expr      *scalar.Expr
	sources   []*Array
	reduction *kernel.Reduction
}

// Array is the lazy, reference-counted array: {source, shapeTracker,
// dtype, backend, pending} (spec.md §3.4). The id tags lifecycle
// diagnostics, so a use-after-dispose report names which array died.
type Array struct {
	id       uuid.UUID
	mu       sync.Mutex
	shape    *view.ShapeTracker
	dtype    dtypes.DType
	backend  backends.Backend
	slot     backends.Slot // non-nil once materialized.
	pending  *pendingOp    // non-nil until materialized.
	refCount int
	disposed bool
}

// Shape returns the array's user-visible dimension sizes.
func (a *Array) Shape() []int64 { return a.shape.Shape() }

// DType returns the array's element type.
func (a *Array) DType() dtypes.DType { return a.dtype }

// Backend returns the backend that owns a's storage.
func (a *Array) Backend() backends.Backend { return a.backend }

// FromBytes wraps data as a new materialized leaf array of shape/dtype.
// len(data) must equal product64(shape)*dtype.Size().
func FromBytes(backend backends.Backend, dtype dtypes.DType, shape []int64, data []byte) *Array {
	want := product64(shape) * int64(dtype.Size())
	if int64(len(data)) != want {
		errkit.Throw(errs.NewShapeError("array.FromBytes: data length %d does not match shape %v dtype %s (want %d)", len(data), shape, dtype, want))
	}
	slot := backend.Malloc(want, data)
	return &Array{id: uuid.New(), shape: view.NewShapeTracker(shape), dtype: dtype, backend: backend, slot: slot, refCount: 1}
}

func encodeFill(dt dtypes.DType, v scalar.Value, count int64) []byte {
	elemSize := int64(dt.Size())
	buf := make([]byte, elemSize*count)
	elem := make([]byte, elemSize)
	writeElem(elem, v)
	for i := int64(0); i < count; i++ {
		copy(buf[i*elemSize:], elem)
	}
	return buf
}

// Full returns a materialized leaf array of shape/dtype filled with value.
func Full(backend backends.Backend, dtype dtypes.DType, shape []int64, value scalar.Value) *Array {
	data := encodeFill(dtype, value, product64(shape))
	return FromBytes(backend, dtype, shape, data)
}

// Zeros returns a materialized leaf array of shape/dtype filled with the dtype's zero.
func Zeros(backend backends.Backend, dtype dtypes.DType, shape []int64) *Array {
	return Full(backend, dtype, shape, scalar.Value{DType: dtype})
}

// Ones returns a materialized leaf array of shape/dtype filled with one.
func Ones(backend backends.Backend, dtype dtypes.DType, shape []int64) *Array {
	return Full(backend, dtype, shape, oneOf(dtype))
}

// ZerosLike returns a materialized leaf array with a's shape, dtype, and
// backend, filled with zero.
func ZerosLike(a *Array) *Array {
	return Zeros(a.backend, a.dtype, a.Shape())
}

func oneOf(dt dtypes.DType) scalar.Value {
	switch dt {
	case dtypes.Bool:
		return scalar.Value{DType: dt, Bool: true}
	case dtypes.Int32:
		return scalar.Value{DType: dt, I32: 1}
	case dtypes.Uint32:
		return scalar.Value{DType: dt, U32: 1}
	case dtypes.Float32, dtypes.Float16:
		return scalar.Value{DType: dt, F32: 1}
	default:
		errkit.Throw(errs.NewDtypeError("array.Ones: unsupported dtype %s", dt))
		panic("unreachable")
	}
}

// IncRef increments a's reference count. Call when storing a into a
// structure that will independently Dispose it later (mirrors a
// backend Slot's incRef/decRef, spec.md §3.3).
func (a *Array) IncRef() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		errkit.Throw(errs.NewReferenceError("array.IncRef: use of disposed array %s", a.id))
	}
	a.refCount++
}

// Dispose decrements a's reference count, freeing its backend slot (or
// releasing its pending sources) once it reaches zero. Double-dispose is
// a ReferenceError.
func (a *Array) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		errkit.Throw(errs.NewReferenceError("array.Dispose: double dispose of array %s", a.id))
	}
	a.refCount--
	if a.refCount > 0 {
		return
	}
	a.disposed = true
	if a.slot != nil {
		a.backend.DecRef(a.slot)
	}
	if a.pending != nil {
		for _, src := range a.pending.sources {
			src.Dispose()
		}
	}
}

// Data forces materialization (if pending) and returns the array's raw
// bytes, row-major over its logical shape, mask applied.
func (a *Array) Data() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.materializeLocked()
	size := a.shape.Size() * int64(a.dtype.Size())
	return a.backend.ReadSync(a.slot, 0, size)
}

// materializeLocked forces a.slot to be non-nil. Callers must hold a.mu.
func (a *Array) materializeLocked() {
	if a.disposed {
		errkit.Throw(errs.NewReferenceError("array: use of disposed array %s", a.id))
	}
	if a.pending == nil {
		return
	}
	p := a.pending
	inputSlots := make([]backends.Slot, len(p.sources))
	for i, src := range p.sources {
		inputSlots[i] = src.materializedSlot()
	}
	size := a.shape.Size() * int64(a.dtype.Size())
	k := kernel.New(a.dtype, a.shape.Size(), p.expr, p.reduction)
	exe := a.backend.PrepareSync(k)
	out := a.backend.Malloc(size, nil)
	a.backend.Dispatch(exe, inputSlots, out)
	a.slot = out
	a.pending = nil
	// Release the references the pending op took on its sources
	// (getOrAddSource IncRefs each one when the op is built).
	for _, src := range p.sources {
		src.Dispose()
	}
}

// materializedSlot forces materialization of a (possibly a different
// Array than the receiver Data() was called on) and returns its slot.
func (a *Array) materializedSlot() backends.Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.materializeLocked()
	return a.slot
}

// Dot is not part of the core primitive set (spec.md §4.1); Array.Dot
// (linalg.go) builds it from pointwise Mul and a Sum reduction instead of
// the backend seeing a dedicated primitive.
