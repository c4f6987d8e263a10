package commands

import (
	"errors"
	"fmt"

	"timerbot/internal/router"
	"timerbot/internal/timer"
)

// userError maps registry errors to replies. The valid range and the cap
// that was hit are always spelled out. Unknown errors pass through and
// get the generic reply.
func userError(err error, limits timer.Limits) error {
	if err == nil {
		return nil
	}
	rng := fmt.Sprintf("allowed range is %s to %s", timer.FormatDuration(limits.MinDuration), timer.FormatDuration(limits.MaxDuration))

	var re *timer.RangeError
	var ce *timer.CapacityError
	switch {
	case errors.As(err, &re):
		return router.Userf(err, "%s is out of range, %s", timer.FormatDuration(re.Got), rng)
	case errors.Is(err, timer.ErrDurationOutOfRange):
		return router.Userf(err, "that duration is out of range, %s", rng)
	case errors.Is(err, timer.ErrInvalidDurationFormat):
		return router.Userf(err, "invalid duration, use a number followed by s, m or h (e.g. 90s, 5m, 1h), %s", rng)
	case errors.As(err, &ce) && ce.Scope == timer.ScopeTenant:
		return router.Userf(err, "this server already has the maximum of %d running timers, stop one first", ce.Limit)
	case errors.As(err, &ce):
		return router.Userf(err, "the bot is at its global limit of %d running timers, try again later", ce.Limit)
	case errors.Is(err, timer.ErrNotFound):
		return router.Userf(err, "there is no timer in this channel")
	case errors.Is(err, timer.ErrAlreadyExpired):
		return router.Userf(err, "that timer had already run out and was removed")
	case errors.Is(err, timer.ErrNoTenant):
		return router.Userf(err, "timers only work in servers")
	case errors.Is(err, timer.ErrClosed):
		return router.Userf(err, "the bot is shutting down")
	}
	return err
}

func labelOr(s timer.Snapshot, fallback string) string {
	if s.Label != "" {
		return "**" + s.Label + "**"
	}
	return fallback
}
