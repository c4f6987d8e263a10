package timer

import (
	"fmt"
	"time"
)

const (
	DefaultMaxPerTenant    = 10
	DefaultMaxTotal        = 100
	DefaultMinDuration     = time.Second
	DefaultMaxDuration     = 24 * time.Hour
	DefaultWarningWindow   = time.Minute
	DefaultRefreshInterval = time.Second
	DefaultRefreshThrottle = 500 * time.Millisecond
	DefaultFallback        = 5 * time.Minute
	DefaultSinkTimeout     = 10 * time.Second
)

// Limits holds the caps and windows a Registry enforces. Zero fields take
// the package defaults (see Normalize).
type Limits struct {
	MaxPerTenant int
	MaxTotal     int

	MinDuration time.Duration
	MaxDuration time.Duration

	WarningWindow   time.Duration
	RefreshInterval time.Duration
	RefreshThrottle time.Duration

	// SinkTimeout bounds each notification/audio call made from a callback.
	SinkTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxPerTenant:    DefaultMaxPerTenant,
		MaxTotal:        DefaultMaxTotal,
		MinDuration:     DefaultMinDuration,
		MaxDuration:     DefaultMaxDuration,
		WarningWindow:   DefaultWarningWindow,
		RefreshInterval: DefaultRefreshInterval,
		RefreshThrottle: DefaultRefreshThrottle,
		SinkTimeout:     DefaultSinkTimeout,
	}
}

// Normalize fills zero fields with defaults.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.MaxPerTenant <= 0 {
		l.MaxPerTenant = d.MaxPerTenant
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = d.MaxTotal
	}
	if l.MinDuration <= 0 {
		l.MinDuration = d.MinDuration
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = d.MaxDuration
	}
	if l.WarningWindow <= 0 {
		l.WarningWindow = d.WarningWindow
	}
	if l.RefreshInterval <= 0 {
		l.RefreshInterval = d.RefreshInterval
	}
	if l.RefreshThrottle <= 0 {
		l.RefreshThrottle = d.RefreshThrottle
	}
	if l.SinkTimeout <= 0 {
		l.SinkTimeout = d.SinkTimeout
	}
	return l
}

// Validate rejects inconsistent limits (after Normalize).
func (l Limits) Validate() error {
	if l.MaxPerTenant > l.MaxTotal {
		return fmt.Errorf("max_per_guild (%d) must be <= max_total (%d)", l.MaxPerTenant, l.MaxTotal)
	}
	if l.MinDuration > l.MaxDuration {
		return fmt.Errorf("min_duration (%s) must be <= max_duration (%s)", l.MinDuration, l.MaxDuration)
	}
	return nil
}

// InRange reports whether d is an acceptable timer length.
func (l Limits) InRange(d time.Duration) error {
	if d < l.MinDuration || d > l.MaxDuration {
		return &RangeError{Got: d, Min: l.MinDuration, Max: l.MaxDuration}
	}
	return nil
}
