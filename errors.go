package remock

import (
	"errors"

	"github.com/dop251/goja"
)

var (
	// ErrInvalidArgument marks argument contract violations. They are
	// detected before any state is captured, and surface in JavaScript as a
	// TypeError.
	ErrInvalidArgument = errors.New("remock: invalid argument")

	// ErrAlreadyActive is returned by Start when the Runner already has an
	// armed scope.
	ErrAlreadyActive = errors.New("remock: scope already active")
)

// rejection carries a JavaScript rejection reason through Go error paths
// without losing its identity.
type rejection struct {
	reason goja.Value
}

func (e *rejection) Error() string {
	if e.reason == nil {
		return "undefined"
	}
	return e.reason.String()
}

// throwable converts err into the value a script observes.
func throwable(runtime *goja.Runtime, err error) goja.Value {
	var rej *rejection
	if errors.As(err, &rej) {
		if rej.reason == nil {
			return goja.Undefined()
		}
		return rej.reason
	}
	if errors.Is(err, ErrInvalidArgument) {
		return runtime.NewTypeError(err.Error())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value()
	}
	return runtime.NewGoError(err)
}
