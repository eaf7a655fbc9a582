package ui

import (
	"fmt"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent  = 74  // blue
	colorCommand = 117 // light blue
	colorMuted   = 245 // medium gray
	colorSuccess = 114 // green
	colorWarning = 179 // yellow
	colorError   = 203 // red
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string {
	return render(colorAccent, s)
}

// RenderCommand returns s in the command-name color.
func RenderCommand(s string) string {
	return render(colorCommand, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string {
	return render(colorMuted, s)
}

// RenderCategory colors s according to a log category.
func RenderCategory(c model.Category, s string) string {
	switch c {
	case model.CategorySuccess:
		return render(colorSuccess, s)
	case model.CategoryWarning:
		return render(colorWarning, s)
	case model.CategoryError:
		return render(colorError, s)
	default:
		return render(colorAccent, s)
	}
}

// FormatLog renders a log entry as a single console line.
func FormatLog(e model.LogEntry) string {
	ts := RenderMuted(e.Timestamp.Local().Format("15:04:05"))
	tag := RenderCategory(e.Category, fmt.Sprintf("[%s]", e.Category))
	return fmt.Sprintf("%s %s %s", ts, tag, e.Message)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// SetColor enables or disables color output globally.
func SetColor(enabled bool) {
	noColor = !enabled
}
