//go:build windows

package webgpu

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"

	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/kernel"
)

func init() {
	backends.Register("webgpu", func(config string) backends.Backend {
		return New()
	})
}

// Backend implements backends.Backend over a WebGPU device. Slots are
// storage buffers with an explicit reference count; executables are
// cached compute pipelines keyed by generated shader source.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.Mutex
	pipelines map[string]*wgpu.ComputePipeline
}

// New initializes the WebGPU instance, adapter, device, and queue. It
// throws errs.BackendError if no compatible GPU is available.
func New() *Backend {
	defer func() {
		if r := recover(); r != nil {
			errkit.Throw(errs.NewBackendError(nil, "webgpu: native wgpu library not available: %v", r))
		}
	}()
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		errkit.Throw(errs.NewBackendError(err, "webgpu: no compatible adapter"))
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		errkit.Throw(errs.NewBackendError(err, "webgpu: failed to request device"))
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		errkit.Throw(errs.NewBackendError(nil, "webgpu: failed to get queue"))
	}
	klog.V(1).Info("webgpu: device initialized")
	return &Backend{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		pipelines: map[string]*wgpu.ComputePipeline{},
	}
}

// IsAvailable reports whether a WebGPU adapter can be acquired on this
// system, for graceful fallback to the CPU backend.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

func (b *Backend) Name() string { return "webgpu" }

const allocAlignment = 64

// slot is the WebGPU backend's Slot: a storage buffer plus a
// mutex-guarded reference count.
type slot struct {
	mu       sync.Mutex
	buffer   *wgpu.Buffer
	size     int64
	refCount int
}

func (b *Backend) Malloc(sizeBytes int64, initialData []byte) backends.Slot {
	if initialData != nil && int64(len(initialData)) != sizeBytes {
		errkit.Throw(errs.NewShapeError("webgpu.Malloc: initialData length %d does not match sizeBytes %d", len(initialData), sizeBytes))
	}
	allocSize := sizeBytes
	if rem := allocSize % allocAlignment; rem != 0 {
		allocSize += allocAlignment - rem
	}
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:             uint64(allocSize),
		MappedAtCreation: wgpu.True,
	})
	if buffer == nil {
		errkit.Throw(errs.NewBackendError(nil, "webgpu.Malloc: failed to allocate %s buffer", humanize.IBytes(uint64(allocSize))))
	}
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, uint64(allocSize))), allocSize)
	if initialData != nil {
		copy(mapped, initialData)
	} else {
		for i := range mapped {
			mapped[i] = 0
		}
	}
	buffer.Unmap()
	return &slot{buffer: buffer, size: allocSize, refCount: 1}
}

func asSlot(s backends.Slot) *slot {
	gs, ok := s.(*slot)
	if !ok {
		errkit.Throw(errs.NewReferenceError("webgpu: slot %v does not belong to this backend", s))
	}
	return gs
}

func (b *Backend) IncRef(s backends.Slot) {
	gs := asSlot(s)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("webgpu.IncRef: slot already freed"))
	}
	gs.refCount++
}

func (b *Backend) DecRef(s backends.Slot) {
	gs := asSlot(s)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("webgpu.DecRef: double free"))
	}
	gs.refCount--
	if gs.refCount == 0 {
		gs.buffer.Release()
		gs.buffer = nil
	}
}

// ReadSync copies count bytes from s through a staging buffer; storage
// buffers cannot be mapped directly.
func (b *Backend) ReadSync(s backends.Slot, start, count int64) []byte {
	gs := asSlot(s)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.refCount <= 0 {
		errkit.Throw(errs.NewReferenceError("webgpu.Read: slot already freed"))
	}
	if start < 0 || start+count > gs.size {
		errkit.Throw(errs.NewShapeError("webgpu.Read: range [%d,%d) out of bounds for slot of size %d", start, start+count, gs.size))
	}

	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  uint64(count),
	})
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(gs.buffer, uint64(start), staging, 0, uint64(count))
	cmd := encoder.Finish(nil)
	b.queue.Submit(cmd)

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, uint64(count)); err != nil {
		errkit.Throw(errs.NewBackendError(err, "webgpu.Read: failed to map staging buffer"))
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, uint64(count))), count)
	out := make([]byte, count)
	copy(out, mapped)
	staging.Unmap()
	return out
}

func (b *Backend) Read(s backends.Slot, start, count int64) <-chan []byte {
	ch := make(chan []byte, 1)
	ch <- b.ReadSync(s, start, count)
	close(ch)
	return ch
}

// executable is a compiled compute pipeline plus the kernel metadata
// Dispatch needs to bind and launch it.
type executable struct {
	pipeline   *wgpu.ComputePipeline
	nargs      int
	outputSize int64
	elemSize   int64
}

func (b *Backend) PrepareSync(k *kernel.Kernel) backends.Executable {
	source := GenerateWGSL(k)
	b.mu.Lock()
	pipeline, ok := b.pipelines[source]
	b.mu.Unlock()
	if !ok {
		shader := b.device.CreateShaderModuleWGSL(source)
		if shader == nil {
			errkit.Throw(errs.NewBackendError(nil, "webgpu.Prepare: shader compilation failed for source:\n%s", source))
		}
		pipeline = b.device.CreateComputePipelineSimple(nil, shader, "main")
		if pipeline == nil {
			errkit.Throw(errs.NewBackendError(nil, "webgpu.Prepare: pipeline creation failed for source:\n%s", source))
		}
		b.mu.Lock()
		b.pipelines[source] = pipeline
		b.mu.Unlock()
		klog.V(1).Infof("webgpu: compiled kernel (%d bytes of WGSL)", len(source))
	}
	return &executable{
		pipeline:   pipeline,
		nargs:      k.NArgs(),
		outputSize: k.OutputSize,
		elemSize:   int64(k.OutputDType.Size()),
	}
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
		errkit.Throw(errs.NewBackendError(nil, "webgpu.Dispatch: executable does not belong to this backend"))
	}
	if len(inputs) < e.nargs {
		errkit.Throw(errs.NewBackendError(nil, "webgpu.Dispatch: kernel reads %d inputs, got %d", e.nargs, len(inputs)))
	}

	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params, uint32(e.outputSize))
	paramsBuf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             uint64(len(params)),
		MappedAtCreation: wgpu.True,
	})
	defer paramsBuf.Release()
	mapped := unsafe.Slice((*byte)(paramsBuf.GetMappedRange(0, uint64(len(params)))), len(params))
	copy(mapped, params)
	paramsBuf.Unmap()

	entries := make([]wgpu.BindGroupEntry, 0, e.nargs+2)
	for i := 0; i < e.nargs; i++ {
		in := asSlot(inputs[i])
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), in.buffer, 0, uint64(in.size)))
	}
	out := asSlot(output)
	entries = append(entries, wgpu.BufferBindingEntry(uint32(e.nargs), out.buffer, 0, uint64(out.size)))
	entries = append(entries, wgpu.BufferBindingEntry(uint32(e.nargs+1), paramsBuf, 0, uint64(len(params))))

	layout := e.pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(layout, entries)
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(e.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	workgroups := uint32((e.outputSize + workgroupSize - 1) / workgroupSize)
	pass.DispatchWorkgroups(workgroups, 1, 1)
	pass.End()
	cmd := encoder.Finish(nil)
	b.queue.Submit(cmd)
}

// Finalize releases the device, adapter, and instance. The backend must
// not be used afterward.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipelines = nil
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
}
