package util

import (
	"os"

	"golang.org/x/term"
)

const defaultWidth = 80

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the column count of f, or 80 when f is not a
// terminal.
func TerminalWidth(f *os.File) int {
	if !IsTerminal(f) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// ProgressWidth sizes a progress bar to a third of f's width, between 10 and
// 60 columns.
func ProgressWidth(f *os.File) int {
	return min(max(TerminalWidth(f)/3, 10), 60)
}
