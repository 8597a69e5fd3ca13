// Package grad implements gradients and Jacobians on top of the
// forward-mode JVP transform (transforms/jvp): Of(f, argnum) returns the
// gradient function of a scalar-valued f, and JacFwd(f, x) builds the
// full Jacobian one tangent column at a time. Both are pure orchestration
// over jvp.Of with one-hot basis tangents; no new tracer kind is
// involved.
package grad

import (
	"math"

	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace/pytree"
	"github.com/tracekernel/tracekernel/transforms/jvp"
)

// Of returns the gradient function of f with respect to its argnum-th
// argument. f must return a single scalar *array.Array (shape [] or
// [1]); the returned function yields a pytree with the structure of the
// selected argument, each leaf holding df/dleaf.
//
// When the wrapped function's argument is a []any, argnum selects one
// element of it; otherwise argnum must be 0 and the whole argument is
// differentiated.
func Of(f func(any) any, argnum int) func(any) any {
	return func(args any) any {
		target := selectArg(args, argnum)
		targetLeaves, targetStruct := pytree.Flatten(target)

		gradLeaves := make([]any, len(targetLeaves))
		for li, leaf := range targetLeaves {
			a, ok := leaf.(*array.Array)
			if !ok {
				errkit.Throw(errs.NewUnsupportedError("grad.Of: argument leaf %d is a %T, not *array.Array", li, leaf))
			}
			gradLeaves[li] = gradOfLeaf(f, args, a)
		}
		return pytree.Unflatten(targetStruct, gradLeaves)
	}
}

// JacFwd returns the Jacobian of f at x, one forward pass per input
// element: the result has shape f(x).Shape() ++ x.Shape(), with
// out[..., j...] = d f(x)[...] / d x[j...].
func JacFwd(f func(any) any, x *array.Array) *array.Array {
	n := sizeOf(x.Shape())
	cols := make([]*array.Array, n)
	for j := int64(0); j < n; j++ {
		primalOut, tangentOut := runJVP(f, x, x, j)
		out, ok := tangentOut.(*array.Array)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("grad.JacFwd: f returned a %T, not *array.Array", tangentOut))
		}
		cols[j] = out
		disposeUnless(primalOut, x)
	}

	// cols[j] has f's output shape; stack to [n, outShape...], rotate the
	// column axis to the end, and split it back into x's axes.
	stacked := array.Stack(cols...)
	for _, c := range cols {
		c.Dispose()
	}
	outShape := stacked.Shape()[1:]
	perm := make([]int, len(outShape)+1)
	for i := range outShape {
		perm[i] = i + 1
	}
	perm[len(outShape)] = 0
	rotated := stacked.Transpose(perm)
	stacked.Dispose()
	jac := rotated.Reshape(append(append([]int64{}, outShape...), x.Shape()...))
	rotated.Dispose()
	return jac
}

// gradOfLeaf computes df/da for a scalar-valued f by one JVP pass per
// element of a, reading the scalar tangent output each time.
func gradOfLeaf(f func(any) any, args any, a *array.Array) *array.Array {
	if a.DType() != dtypes.Float32 {
		errkit.Throw(errs.NewUnsupportedError("grad.Of: gradients require float32 leaves, got %s", a.DType()))
	}
	n := sizeOf(a.Shape())
	data := make([]byte, 4*n)
	for j := int64(0); j < n; j++ {
		primalOut, tangentOut := runJVP(f, args, a, j)
		putF32(data[4*j:], scalarValue(tangentOut))
		disposeUnless(tangentOut, a)
		disposeUnless(primalOut, a)
	}
	return array.FromBytes(a.Backend(), dtypes.Float32, a.Shape(), data)
}

// runJVP calls jvp.Of(f, args, tangents) where tangents mirrors args
// with zero arrays everywhere except a one-hot basis vector at element
// j of the leaf target.
func runJVP(f func(any) any, args any, target *array.Array, j int64) (primalOut, tangentOut any) {
	argLeaves, argStruct := pytree.Flatten(args)
	tangentLeaves := make([]any, len(argLeaves))
	for i, leaf := range argLeaves {
		a, ok := leaf.(*array.Array)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("grad: argument leaf %d is a %T, not *array.Array", i, leaf))
		}
		if a == target {
			tangentLeaves[i] = basisLike(a, j)
		} else {
			tangentLeaves[i] = array.ZerosLike(a)
		}
	}
	tangents := pytree.Unflatten(argStruct, tangentLeaves)

	primalOut, tangentOut = jvp.Of(f, args, tangents)
	for _, t := range tangentLeaves {
		ta := t.(*array.Array)
		if ta != tangentOut {
			ta.Dispose()
		}
	}
	return primalOut, tangentOut
}

// basisLike returns an array of a's shape/dtype that is zero everywhere
// except 1.0 at flat index j.
func basisLike(a *array.Array, j int64) *array.Array {
	if a.DType() != dtypes.Float32 {
		errkit.Throw(errs.NewUnsupportedError("grad: basis tangents require float32, got %s", a.DType()))
	}
	n := sizeOf(a.Shape())
	data := make([]byte, 4*n)
	putF32(data[4*j:], 1)
	return array.FromBytes(a.Backend(), dtypes.Float32, a.Shape(), data)
}

// scalarValue reads the single float32 of a scalar array output.
func scalarValue(out any) float32 {
	a, ok := out.(*array.Array)
	if !ok {
		errkit.Throw(errs.NewUnsupportedError("grad.Of: f returned a %T, not a scalar *array.Array", out))
	}
	if sizeOf(a.Shape()) != 1 {
		errkit.Throw(errs.NewShapeError("grad.Of: f must return a scalar, got shape %v", a.Shape()))
	}
	b := a.Data()
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func selectArg(args any, argnum int) any {
	if list, ok := args.([]any); ok {
		if argnum < 0 || argnum >= len(list) {
			errkit.Throw(errs.NewShapeError("grad.Of: argnum %d out of bounds for %d arguments", argnum, len(list)))
		}
		return list[argnum]
	}
	if argnum != 0 {
		errkit.Throw(errs.NewShapeError("grad.Of: argnum %d given but the function takes a single argument", argnum))
	}
	return args
}

func disposeUnless(out any, keep *array.Array) {
	a, ok := out.(*array.Array)
	if !ok || a == keep {
		return
	}
	a.Dispose()
}

func sizeOf(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

func putF32(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}
