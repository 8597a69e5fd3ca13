package array

import (
	"runtime"

	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/internal/xsync"
	"github.com/tracekernel/tracekernel/kernel"
)

// Sync is the explicit materialization barrier (spec.md §3.4): it forces
// every given array and its pending dependency closure. Unlike a plain
// Data call, which prepares and dispatches one kernel at a time while
// recursing, Sync prepares every pending kernel of the closure
// concurrently (bounded to the CPU count, since an asynchronous backend
// may compile in the background) and then dispatches them in topological
// order, sources before consumers (spec.md §5).
func Sync(arrays ...*Array) {
	var order []*Array
	pendings := map[*Array]*pendingOp{}
	var visit func(a *Array)
	visit = func(a *Array) {
		if _, ok := pendings[a]; ok {
			return
		}
		a.mu.Lock()
		disposed := a.disposed
		p := a.pending
		a.mu.Unlock()
		if disposed {
			errkit.Throw(errs.NewReferenceError("array.Sync: use of disposed array %s", a.id))
		}
		if p == nil {
			return
		}
		pendings[a] = p
		for _, src := range p.sources {
			visit(src)
		}
		order = append(order, a)
	}
	for _, a := range arrays {
		visit(a)
	}
	if len(order) == 0 {
		return
	}

	// Prepare concurrently; each latch delivers one compiled executable.
	sem := xsync.NewSemaphore(runtime.NumCPU())
	latches := make([]*xsync.LatchWithValue[backends.Executable], len(order))
	for i, a := range order {
		p := pendings[a]
		k := kernel.New(a.dtype, a.shape.Size(), p.expr, p.reduction)
		latch := xsync.NewLatchWithValue[backends.Executable]()
		latches[i] = latch
		go func(b backends.Backend) {
			sem.Acquire()
			defer sem.Release()
			latch.Trigger(<-b.Prepare(k))
		}(a.backend)
	}

	// Dispatch in topological order: every source of order[i] appears
	// earlier in order, so its slot exists by the time it is needed.
	for i, a := range order {
		exe := latches[i].Wait()
		a.mu.Lock()
		if a.pending == nil {
			a.mu.Unlock()
			continue
		}
		p := a.pending
		inputSlots := make([]backends.Slot, len(p.sources))
		for j, src := range p.sources {
			inputSlots[j] = src.materializedSlot()
		}
		out := a.backend.Malloc(a.shape.Size()*int64(a.dtype.Size()), nil)
		a.backend.Dispatch(exe, inputSlots, out)
		a.slot = out
		a.pending = nil
		for _, src := range p.sources {
			src.Dispose()
		}
		a.mu.Unlock()
	}
}
