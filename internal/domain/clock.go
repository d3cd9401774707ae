package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidClock = errors.New("invalid clock time")

// ClockTime is a time of day in 24-hour "HH:MM" form, without date or zone.
type ClockTime string

// DateLayout keys dispatch records by calendar date.
const DateLayout = "2006-01-02"

// ParseClockTime validates "H:MM" / "HH:MM" and returns the zero-padded form.
func ParseClockTime(s string) (ClockTime, error) {
	mins, err := parseHHMM(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidClock, s, err)
	}
	return FormatMinutes(mins), nil
}

// ClockOf truncates t to its minute in t's own location.
func ClockOf(t time.Time) ClockTime {
	return FormatMinutes(t.Hour()*60 + t.Minute())
}

// Minutes returns minutes since midnight, or -1 if c is malformed.
func (c ClockTime) Minutes() int {
	m, err := parseHHMM(string(c))
	if err != nil {
		return -1
	}
	return m
}

// Valid reports whether c is a zero-padded 24-hour clock value.
func (c ClockTime) Valid() bool {
	return len(c) == 5 && c.Minutes() >= 0
}

func (c ClockTime) String() string { return string(c) }

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) > 2 || len(parts[1]) != 2 ||
		!isAllDigits(parts[0]) || !isAllDigits(parts[1]) {
		return 0, errors.New("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, errors.New("invalid hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, errors.New("invalid minute")
	}
	return h*60 + m, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// FormatMinutes returns HH:MM for minutes since midnight (00:00..23:59).
func FormatMinutes(mins int) ClockTime {
	if mins < 0 {
		mins = 0
	}
	mins %= 24 * 60
	return ClockTime(fmt.Sprintf("%02d:%02d", mins/60, mins%60))
}
