package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFloatIsInt(t *testing.T) {
	assert.True(t, Float32.IsFloat())
	assert.True(t, Float16.IsFloat())
	assert.False(t, Int32.IsFloat())
	assert.True(t, Int32.IsInt())
	assert.True(t, Uint32.IsInt())
	assert.False(t, Bool.IsInt())
	assert.True(t, Bool.IsBool())
}

func TestSize(t *testing.T) {
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 4, Uint32.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
}

func TestFromGeneric(t *testing.T) {
	assert.Equal(t, Float32, FromGeneric[float32]())
	assert.Equal(t, Int32, FromGeneric[int32]())
	assert.Equal(t, Uint32, FromGeneric[uint32]())
	assert.Equal(t, Bool, FromGeneric[bool]())
}

func TestZeroValue(t *testing.T) {
	assert.Equal(t, float32(0), Float32.ZeroValue())
	assert.Equal(t, int32(0), Int32.ZeroValue())
	assert.Equal(t, false, Bool.ZeroValue())
}
