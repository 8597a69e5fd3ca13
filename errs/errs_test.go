package errs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsFormatAndUnwrap(t *testing.T) {
	base := assert.AnError
	be := NewBackendError(base, "dispatch failed on kernel %d", 3)
	assert.Contains(t, be.Error(), "dispatch failed on kernel 3")
	assert.ErrorIs(t, be, base)

	se := NewShapeError("cannot broadcast %v to %v", []int{2, 3}, []int{4})
	assert.Contains(t, se.Error(), "shape error")

	tm := NewTreeMismatchError("(a, b)", "(a, b, c)")
	assert.Contains(t, tm.Error(), "(a, b, c)")

	re := NewReferenceError("slot %d already disposed", 7)
	assert.Contains(t, re.Error(), "already disposed")

	ue := NewUnsupportedError("jvp of %s", "cmplt")
	assert.Contains(t, ue.Error(), "jvp of cmplt")

	de := NewDtypeError("cannot promote %s and %s", "int32", "bool")
	assert.Contains(t, de.Error(), "cannot promote")
}
