package timer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDurationFormat = errors.New("invalid duration format")
	ErrDurationOutOfRange    = errors.New("duration out of range")
	ErrCapacityExceeded      = errors.New("timer capacity exceeded")
	ErrNotFound              = errors.New("no timer in this channel")
	ErrAlreadyExpired        = errors.New("timer already expired")
	ErrClosed                = errors.New("timer registry closed")
	// ErrNoTenant rejects timers outside a tenant, e.g. in direct messages.
	ErrNoTenant = errors.New("timer: no tenant")

	// ErrSinkUnavailable wraps notification/audio failures. Sink errors are
	// logged and absorbed; they never change a Timer's lifecycle.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrStaleTarget reports that the status message being refreshed no
	// longer exists.
	ErrStaleTarget = errors.New("stale notification target")
)

// CapacityScope names which cap rejected a Start.
type CapacityScope string

const (
	ScopeGlobal CapacityScope = "global"
	ScopeTenant CapacityScope = "tenant"
)

type CapacityError struct {
	Scope CapacityScope
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s timer limit reached (%d)", e.Scope, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

type RangeError struct {
	Got      time.Duration
	Min, Max time.Duration
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("duration %s outside [%s, %s]", FormatDuration(e.Got), FormatDuration(e.Min), FormatDuration(e.Max))
}

func (e *RangeError) Unwrap() error { return ErrDurationOutOfRange }
