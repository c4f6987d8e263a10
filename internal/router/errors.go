package router

import (
	"errors"
	"fmt"
)

// UserError carries a message meant for the requester. Err, if set, is the
// underlying cause for errors.Is checks.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string { return e.Msg }
func (e *UserError) Unwrap() error { return e.Err }

// Userf builds a UserError wrapping cause.
func Userf(cause error, format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...), Err: cause}
}

func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

func IsUserError(err error) bool {
	_, ok := AsUserError(err)
	return ok
}
