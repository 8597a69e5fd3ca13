// Package kernel implements Kernel and Reduction, the unit of work a
// backend dispatches: a scalar pointwise expression evaluated once per
// output index, plus an optional reduction fold (spec.md §3.3).
package kernel

import (
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/scalar"
)

// Reduction folds over an axis of size AxisSize: the accumulator starts
// at Identity, Combine folds each element in via the special "racc"
// (running accumulator) and "relem" (current element) bindings, and
// Epilogue (if non-nil) is applied to the final accumulator before store.
type Reduction struct {
	AxisSize int64
	Identity scalar.Value
	Combine  *scalar.Expr // reads "racc" and "relem" Special leaves.
	Epilogue *scalar.Expr // reads "racc" Special leaf; nil means identity.
}

// Kernel bundles an output dtype, output size, the pointwise expression
// to evaluate at each output index (reading the "gidx" Special leaf), and
// an optional Reduction.
type Kernel struct {
	OutputDType dtypes.DType
	OutputSize  int64
	Expr        *scalar.Expr
	Reduction   *Reduction
}

// New validates and returns a Kernel. It checks that outputSize is not
// negative, that expr's dtype equals outputDType when there is no
// reduction, and, with a reduction, that AxisSize is positive and
// Combine's dtype equals Identity's. Which Special leaves expr, Combine
// and Epilogue read is not checked.
func New(outputDType dtypes.DType, outputSize int64, expr *scalar.Expr, reduction *Reduction) *Kernel {
	if outputSize < 0 {
		errkit.Panicf("kernel.New: negative output size %d", outputSize)
	}
	if expr.DType != outputDType && reduction == nil {
		errkit.Panicf("kernel.New: expr dtype %s does not match output dtype %s", expr.DType, outputDType)
	}
	if reduction != nil {
		if reduction.AxisSize <= 0 {
			errkit.Panicf("kernel.New: reduction axis size must be positive, got %d", reduction.AxisSize)
		}
		if reduction.Combine.DType != reduction.Identity.DType {
			errkit.Panicf("kernel.New: reduction combine dtype %s does not match identity dtype %s", reduction.Combine.DType, reduction.Identity.DType)
		}
	}
	return &Kernel{OutputDType: outputDType, OutputSize: outputSize, Expr: expr, Reduction: reduction}
}

// NArgs returns the number of distinct input buffers this kernel reads,
// the highest gid referenced by any GlobalIndex node across Expr and (if
// present) Reduction.Combine/Epilogue, plus one.
func (k *Kernel) NArgs() int {
	n := scalar.NArgs(k.Expr)
	if k.Reduction != nil {
		if m := scalar.NArgs(k.Reduction.Combine); m > n {
			n = m
		}
		if k.Reduction.Epilogue != nil {
			if m := scalar.NArgs(k.Reduction.Epilogue); m > n {
				n = m
			}
		}
	}
	return n
}

// Evaluate runs the kernel at output linear index gidx against bindings,
// which must resolve "gidx" to gidx and answer GlobalIndex reads. When
// Reduction is set, Expr is instead evaluated once per reduction step
// (bound to "gidx" and "ridx"), folded via Combine (bound to "racc" and
// "relem"), and finished by Epilogue if present.
func (k *Kernel) Evaluate(gidx int64, inputs scalar.Bindings) scalar.Value {
	if k.Reduction == nil {
		return scalar.Eval(k.Expr, &gidxBindings{gidx: gidx, inner: inputs})
	}
	r := k.Reduction
	acc := r.Identity
	for ridx := int64(0); ridx < r.AxisSize; ridx++ {
		elem := scalar.Eval(k.Expr, &reduceStepBindings{gidx: gidx, ridx: ridx, inner: inputs})
		acc = scalar.Eval(r.Combine, scalar.MapBindings{"racc": acc, "relem": elem})
	}
	if r.Epilogue != nil {
		acc = scalar.Eval(r.Epilogue, scalar.MapBindings{"racc": acc})
	}
	return acc
}

type gidxBindings struct {
	gidx  int64
	inner scalar.Bindings
}

func (b *gidxBindings) Special(name string) (scalar.Value, bool) {
	if name == "gidx" {
		return scalar.ValueOf(int32(b.gidx)), true
	}
	return b.inner.Special(name)
}

func (b *gidxBindings) GlobalIndex(gid int, index int32, dtype dtypes.DType) scalar.Value {
	return b.inner.GlobalIndex(gid, index, dtype)
}

type reduceStepBindings struct {
	gidx, ridx int64
	inner      scalar.Bindings
}

func (b *reduceStepBindings) Special(name string) (scalar.Value, bool) {
	switch name {
	case "gidx":
		return scalar.ValueOf(int32(b.gidx)), true
	case "ridx":
		return scalar.ValueOf(int32(b.ridx)), true
	}
	return b.inner.Special(name)
}

func (b *reduceStepBindings) GlobalIndex(gid int, index int32, dtype dtypes.DType) scalar.Value {
	return b.inner.GlobalIndex(gid, index, dtype)
}
