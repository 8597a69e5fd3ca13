package errkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatch(t *testing.T) {
	var caught int
	func() {
		defer Catch(func(e int) { caught = e })
		Throw(42)
	}()
	assert.Equal(t, 42, caught)
}

func TestCatchRethrowsWrongType(t *testing.T) {
	assert.Panics(t, func() {
		defer Catch(func(e string) { t.Fatal("should not be called") })
		Throw(42)
	})
}

func TestTry(t *testing.T) {
	assert.Nil(t, Try(func() {}))
	assert.Equal(t, "boom", Try(func() { Throw("boom") }))
}
