package ui

import (
	"unicode/utf8"

	"golang.org/x/term"
)

// IsTTY reports whether the given file descriptor refers to a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// TermWidth returns the terminal width in columns, or 0 if fd is not a
// terminal.
func TermWidth(fd uintptr) int {
	w, _, err := term.GetSize(int(fd))
	if err != nil || w <= 0 {
		return 0
	}
	return w
}

// fitPath shortens p to at most width runes by dropping leading
// characters, keeping the file name readable. A width of 0 means no limit.
func fitPath(p string, width int) string {
	if width <= 0 || utf8.RuneCountInString(p) <= width {
		return p
	}
	if width == 1 {
		return "…"
	}
	r := []rune(p)
	return "…" + string(r[len(r)-(width-1):])
}
