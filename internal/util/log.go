package util

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// logger backs every Log* helper. Reconfiguring swaps in a modified copy so
// concurrent callers never see a half-applied change.
var logger atomic.Pointer[pterm.Logger]

func init() {
	logger.Store(pterm.DefaultLogger.
		WithTime(true).
		WithTimeFormat("02 Jan 15:04:05").
		WithMaxWidth(1000))
}

func reconfigure(fn func(l pterm.Logger) *pterm.Logger) {
	logger.Store(fn(*logger.Load()))
}

// EnableDebug lets debug lines through.
func EnableDebug() {
	reconfigure(func(l pterm.Logger) *pterm.Logger { return l.WithLevel(pterm.LogLevelDebug) })
}

// UseJSON switches to one JSON object per line, for running unattended.
func UseJSON() {
	reconfigure(func(l pterm.Logger) *pterm.Logger {
		return l.WithFormatter(pterm.LogFormatterJSON).WithTimeFormat(time.RFC3339)
	})
}

func SetLogOutput(w io.Writer) {
	reconfigure(func(l pterm.Logger) *pterm.Logger { return l.WithWriter(w) })
}

func LogDebug(format string, args ...any) {
	logger.Load().Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	logger.Load().Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	logger.Load().Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	logger.Load().Error(fmt.Sprintf(format, args...))
}

// LogSuccess marks a milestone such as a registration or a punched link.
// It logs at info level, tagged so JSON consumers can pick it out.
func LogSuccess(format string, args ...any) {
	l := logger.Load()
	msg := fmt.Sprintf(format, args...)
	if l.Formatter == pterm.LogFormatterColorful {
		msg = pterm.FgGreen.Sprint(msg)
	}
	l.Info(msg, l.Args("event", "success"))
}
