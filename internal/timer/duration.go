package timer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationRe = regexp.MustCompile(`(?i)^(\d+)(s|m|h)$`)

// ParseDuration parses "<digits><s|m|h>" (case-insensitive), e.g. "30s",
// "5m", "2H". It does not apply range limits; Registry does.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDurationFormat, raw)
	}
	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too large", ErrDurationOutOfRange, raw)
	}
	return time.Duration(n) * unit, nil
}

// FormatDuration renders d in the same grammar ParseDuration accepts,
// using the largest unit that represents d exactly. Sub-second remainders
// fall back to time.Duration's own format.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return d.String()
	}
}

// FormatClock renders a remaining time as "m:ss" or "h:mm:ss", rounding
// up to the next whole second so a running display never shows 0:00
// before expiry.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
