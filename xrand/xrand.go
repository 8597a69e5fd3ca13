// Package xrand implements the counter-based random number generator
// (spec.md §6): a Key is a pair of 32-bit words, Split derives
// independent keys through a Threefry-2x32 bijection, and Bits/Uniform/
// Normal derive arrays from a key. The bit stream for a fixed seed is
// part of the contract: Bits applies the cipher to a 64-bit element
// counter split into high/low words and XORs the two output halves,
// so outputs are reproducible word-for-word across backends.
package xrand

import (
	"math"
	"math/bits"

	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/backends"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
)

// Key is an RNG key: two 32-bit unsigned words.
type Key [2]uint32

// NewKey zero-pads a 32-bit seed into a Key.
func NewKey(seed uint32) Key {
	return Key{0, seed}
}

// threefry parity constant, from the Threefry reference cipher.
const keyScheduleParity = 0x1BD11BDA

var rotations = [2][4]uint{{13, 15, 26, 6}, {17, 29, 16, 24}}

// threefry2x32 applies the 20-round Threefry-2x32 block cipher to the
// counter (c0, c1) under k.
func threefry2x32(k Key, c0, c1 uint32) (uint32, uint32) {
	ks := [3]uint32{k[0], k[1], k[0] ^ k[1] ^ keyScheduleParity}
	x0 := c0 + ks[0]
	x1 := c1 + ks[1]
	for i := 0; i < 5; i++ {
		for _, r := range rotations[i%2] {
			x0 += x1
			x1 = bits.RotateLeft32(x1, int(r)) ^ x0
		}
		x0 += ks[(i+1)%3]
		x1 += ks[(i+2)%3] + uint32(i) + 1
	}
	return x0, x1
}

// randomWords produces n pseudorandom 32-bit words from k: word i is the
// XOR of the two cipher outputs for the 64-bit counter i.
func randomWords(k Key, n int64) []uint32 {
	out := make([]uint32, n)
	for i := int64(0); i < n; i++ {
		hi, lo := threefry2x32(k, uint32(uint64(i)>>32), uint32(uint64(i)))
		out[i] = hi ^ lo
	}
	return out
}

// Split derives n statistically independent keys from k: key i is the
// cipher output pair for counter i.
func Split(k Key, n int) []Key {
	if n <= 0 {
		errkit.Throw(errs.NewShapeError("xrand.Split: need a positive key count, got %d", n))
	}
	out := make([]Key, n)
	for i := 0; i < n; i++ {
		hi, lo := threefry2x32(k, uint32(uint64(i)>>32), uint32(uint64(i)))
		out[i] = Key{hi, lo}
	}
	return out
}

// SplitArray is Split returned as an n-by-2 uint32 array on backend.
func SplitArray(backend backends.Backend, k Key, n int) *array.Array {
	keys := Split(k, n)
	data := make([]byte, 8*n)
	for i, sub := range keys {
		putU32(data[8*i:], sub[0])
		putU32(data[8*i+4:], sub[1])
	}
	return array.FromBytes(backend, dtypes.Uint32, []int64{int64(n), 2}, data)
}

// Bits returns a uint32 array of the given shape filled with the key's
// pseudorandom bit stream.
func Bits(backend backends.Backend, k Key, shape []int64) *array.Array {
	n := sizeOf(shape)
	words := randomWords(k, n)
	data := make([]byte, 4*n)
	for i, w := range words {
		putU32(data[4*i:], w)
	}
	return array.FromBytes(backend, dtypes.Uint32, shape, data)
}

// Uniform returns a float32 array of the given shape with values drawn
// uniformly from [lo, hi): the top 23 random bits become the mantissa of
// a float in [1, 2), shifted down to [0, 1) and scaled.
func Uniform(backend backends.Backend, k Key, shape []int64, lo, hi float32) *array.Array {
	n := sizeOf(shape)
	words := randomWords(k, n)
	data := make([]byte, 4*n)
	for i, w := range words {
		u := math.Float32frombits(w>>9|0x3F800000) - 1
		putF32(data[4*i:], lo+u*(hi-lo))
	}
	return array.FromBytes(backend, dtypes.Float32, shape, data)
}

// Normal returns a float32 array of the given shape with values drawn
// from the standard normal distribution, via the Box-Muller transform
// over two uniform draws from subkeys of k.
func Normal(backend backends.Backend, k Key, shape []int64) *array.Array {
	n := sizeOf(shape)
	sub := Split(k, 2)
	w1 := randomWords(sub[0], n)
	w2 := randomWords(sub[1], n)
	data := make([]byte, 4*n)
	for i := int64(0); i < n; i++ {
		// u1 in (0, 1] so the log is finite; u2 in [0, 1).
		u1 := 1 - float64(math.Float32frombits(w1[i]>>9|0x3F800000)-1)
		u2 := float64(math.Float32frombits(w2[i]>>9|0x3F800000) - 1)
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		putF32(data[4*i:], float32(z))
	}
	return array.FromBytes(backend, dtypes.Float32, shape, data)
}

func sizeOf(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			errkit.Throw(errs.NewShapeError("xrand: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func putF32(dst []byte, v float32) {
	putU32(dst, math.Float32bits(v))
}
