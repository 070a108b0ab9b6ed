package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/backtrack/internal/store"
)

var intervalUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'D': 24 * time.Hour,
	'W': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'Y': 365 * 24 * time.Hour,
}

// ParseTimeSpec turns a user-supplied time into unix seconds. It accepts
// "now", plain unix seconds, RFC 3339, the repository's file name formats,
// a bare date (midnight UTC), and intervals such as "3D2h" meaning that long
// before now. Units are s, m, h, D (days), W, M (30 days) and Y (365 days).
func ParseTimeSpec(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, errors.New("empty time")
	case s == "now":
		return now.Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	if t, err := store.ParseTime(s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Unix(), nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want now, unix seconds, RFC 3339, YYYY-MM-DD or an interval like 3D2h", s)
	}
	return now.Add(-d).Unix(), nil
}

func parseInterval(s string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, errors.New("malformed interval")
		}
		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, err
		}
		unit, ok := intervalUnits[s[i]]
		if !ok {
			return 0, fmt.Errorf("unknown interval unit %q", s[i])
		}
		total += time.Duration(n) * unit
		s = s[i+1:]
	}
	return total, nil
}
