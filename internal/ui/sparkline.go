package ui

import (
	"math"
	"strings"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline draws the newest width samples as block characters, right
// aligned and padded with blanks while history is short. Bars scale between
// the smallest and largest sample shown, so small swings in a steady rate
// stay visible. A flat non-zero series draws mid-height.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		lo, hi = min(lo, v), max(hi, v)
	}

	top := len(sparkBlocks) - 1
	var sb strings.Builder
	sb.WriteString(strings.Repeat(" ", width-len(data)))
	for _, v := range data {
		i := 0
		switch {
		case hi <= 0:
		case hi == lo:
			i = top / 2
		default:
			i = int(math.Round((v - lo) / (hi - lo) * float64(top)))
		}
		sb.WriteRune(sparkBlocks[i])
	}
	return sb.String()
}
