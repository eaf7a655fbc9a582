package ui

import (
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether ANSI colors should be used on stdout.
func ShouldUseColor() bool {
	return ShouldUseColorFor(os.Stdout)
}

// ShouldUseColorFor reports whether ANSI colors should be written to w.
// NO_COLOR wins, then CLICOLOR_FORCE=1, then CLICOLOR=0; otherwise color is
// used only when w is a terminal.
func ShouldUseColorFor(w io.Writer) bool {
	switch {
	case os.Getenv("NO_COLOR") != "":
		return false
	case strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1":
		return true
	case strings.TrimSpace(os.Getenv("CLICOLOR")) == "0":
		return false
	}
	fd, ok := terminalFd(w)
	return ok && term.IsTerminal(fd)
}

// Width returns the column count of the terminal behind w, or fallback when
// w is not a terminal. COLUMNS overrides the detected size.
func Width(w io.Writer, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("COLUMNS"))); err == nil && n > 0 {
		return n
	}
	fd, ok := terminalFd(w)
	if !ok || !term.IsTerminal(fd) {
		return fallback
	}
	cols, _, err := term.GetSize(fd)
	if err != nil || cols <= 0 {
		return fallback
	}
	return cols
}

func terminalFd(w io.Writer) (int, bool) {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return int(f.Fd()), true
}
