package ui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/bamsammich/backtrack/internal/stats"
)

func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0B/s"
	}
	return units.BytesSize(bytesPerSec) + "/s"
}

// FormatCount renders n with thousands separators: 14302 -> "14,302".
func FormatCount(n int64) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if digits[0] == '-' {
		sign, digits = "-", digits[1:]
	}
	out := make([]byte, 0, len(digits)+len(digits)/3)
	for i := range len(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, digits[i])
	}
	return sign + string(out)
}

func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// FormatDuration renders d to the second, dropping leading zero units:
// "42s", "3m07s", "1h02m03s".
func FormatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	switch h, m, s := secs/3600, secs/60%60, secs%60; {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatAge renders how long before now t was, e.g. "3 days ago".
func FormatAge(t, now time.Time) string {
	if t.After(now) {
		return "in the future"
	}
	return units.HumanDuration(now.Sub(t)) + " ago"
}
