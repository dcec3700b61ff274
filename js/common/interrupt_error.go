package common

import (
	"errors"

	"github.com/dop251/goja"
)

// UnwrapInterruptedError returns the value a runtime was interrupted with
// when it is an error, err otherwise.
func UnwrapInterruptedError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(error); ok {
			return e
		}
	}
	return err
}
