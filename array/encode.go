package array

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

func putI32(dst []byte, v int32)   { binary.LittleEndian.PutUint32(dst, uint32(v)) }
func putU32(dst []byte, v uint32)  { binary.LittleEndian.PutUint32(dst, v) }
func putF32(dst []byte, v float32) { binary.LittleEndian.PutUint32(dst, math.Float32bits(v)) }
func putF16(dst []byte, v float32) { binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(v).Bits()) }
