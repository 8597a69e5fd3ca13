// Package conv1d implements one-dimensional convolution over lazy
// arrays, expressed as shape ops feeding pointwise multiply-accumulate:
// the padded signal is sliced once per filter tap, each slice is scaled
// by its tap weight, and the scaled slices are summed. Every step is a
// core primitive, so the whole convolution fuses into the consumer like
// any other pointwise chain.
package conv1d

import (
	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// Padding selects how the signal edges are handled.
type Padding int

const (
	// Valid computes only positions where the filter fits entirely
	// inside the signal.
	Valid Padding = iota
	// Same zero-pads so the output length is ceil(n/stride), with the
	// extra padding split left-floor/right-ceil.
	Same
)

// Conv1D convolves the rank-1 signal x with the rank-1 filter, advancing
// by stride between output positions. Filter and signal dtypes must
// match.
func Conv1D(x, filter *array.Array, stride int64, padding Padding) *array.Array {
	if len(x.Shape()) != 1 || len(filter.Shape()) != 1 {
		errkit.Throw(errs.NewShapeError("conv1d: signal and filter must be rank 1, got %v and %v", x.Shape(), filter.Shape()))
	}
	if x.DType() != filter.DType() {
		errkit.Throw(errs.NewDtypeError("conv1d: signal dtype %s does not match filter dtype %s", x.DType(), filter.DType()))
	}
	if stride <= 0 {
		errkit.Throw(errs.NewShapeError("conv1d: stride must be positive, got %d", stride))
	}
	n := x.Shape()[0]
	k := filter.Shape()[0]
	if k == 0 {
		errkit.Throw(errs.NewShapeError("conv1d: empty filter"))
	}

	var outLen, padLeft, padRight int64
	switch padding {
	case Valid:
		if n < k {
			errkit.Throw(errs.NewShapeError("conv1d: signal of length %d shorter than filter of length %d with no padding", n, k))
		}
		outLen = (n-k)/stride + 1
	case Same:
		outLen = (n + stride - 1) / stride
		total := (outLen-1)*stride + k - n
		if total < 0 {
			total = 0
		}
		padLeft = total / 2
		padRight = total - padLeft
	default:
		errkit.Throw(errs.NewShapeError("conv1d: unknown padding mode %d", padding))
	}

	padded := x.Pad([]int64{padLeft}, []int64{padRight})

	var acc *array.Array
	for j := int64(0); j < k; j++ {
		window := strided(padded, j, outLen, stride)
		tap := filter.Slice([]int64{j}, []int64{j + 1})
		tapB := tap.BroadcastTo([]int64{outLen})
		tap.Dispose()
		term := window.Mul(tapB)
		window.Dispose()
		tapB.Dispose()
		if acc == nil {
			acc = term
		} else {
			next := acc.Add(term)
			acc.Dispose()
			term.Dispose()
			acc = next
		}
	}
	padded.Dispose()
	return acc
}

// strided extracts every stride-th element of a starting at begin,
// outLen elements in total. With stride 1 this is a plain slice; larger
// strides pad the slice to a whole number of stride groups, fold it to
// [outLen, stride], and keep column 0.
func strided(a *array.Array, begin, outLen, stride int64) *array.Array {
	length := (outLen-1)*stride + 1
	window := a.Slice([]int64{begin}, []int64{begin + length})
	if stride == 1 {
		return window
	}
	grouped := window.Pad([]int64{0}, []int64{outLen*stride - length})
	window.Dispose()
	folded := grouped.Reshape([]int64{outLen, stride})
	grouped.Dispose()
	col := folded.Slice([]int64{0, 0}, []int64{outLen, 1})
	folded.Dispose()
	out := col.Reshape([]int64{outLen})
	col.Dispose()
	return out
}
