package loop

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/ui"
)

// reporter is the single path for loop-visible text. Every entry lands in
// the buffer first, then in slog and on the console.
type reporter struct {
	buf     *events.Buffer
	logger  *slog.Logger
	console io.Writer
}

func (r *reporter) infof(format string, args ...any) {
	r.emit(model.CategoryInfo, fmt.Sprintf(format, args...))
}

func (r *reporter) successf(format string, args ...any) {
	r.emit(model.CategorySuccess, fmt.Sprintf(format, args...))
}

func (r *reporter) warnf(format string, args ...any) {
	r.emit(model.CategoryWarning, fmt.Sprintf(format, args...))
}

func (r *reporter) errorf(format string, args ...any) {
	r.emit(model.CategoryError, fmt.Sprintf(format, args...))
}

func (r *reporter) emit(cat model.Category, msg string) {
	r.log(r.buf.Log(cat, msg))
}

// workerLog routes a log entry produced by the worker.
func (r *reporter) workerLog(e model.LogEntry) {
	r.buf.AppendLog(e)
	r.log(e)
}

// workerOutput routes a raw output chunk produced by the worker.
func (r *reporter) workerOutput(e model.OutputEvent) {
	r.buf.AppendOutput(e)
	if r.console != nil {
		_, _ = io.WriteString(r.console, e.Text)
	}
}

// log mirrors e to slog and the console. With a console attached the line is
// already visible there, so slog only gets it at debug level.
func (r *reporter) log(e model.LogEntry) {
	r.logger.Log(context.Background(), r.level(e.Category), e.Message, "category", string(e.Category))
	if r.console != nil {
		fmt.Fprintln(r.console, ui.FormatLog(e))
	}
}

func (r *reporter) level(c model.Category) slog.Level {
	if r.console != nil {
		return slog.LevelDebug
	}
	switch c {
	case model.CategoryWarning:
		return slog.LevelWarn
	case model.CategoryError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
