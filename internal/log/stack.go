package log

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// implemented by xerrors values
type stackCarrier interface{ StackPCs() []uintptr }
type pcCarrier interface{ PC() uintptr }

const maxStackDepth = 64

// recordStack prefers the stack captured where the logged error was created
// and falls back to the stack of the logging call
func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != errKey {
			return true
		}
		var sc stackCarrier
		if err, ok := a.Value.Any().(error); ok && errors.As(err, &sc) {
			pcs = sc.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, maxStackDepth)
		pcs = buf[:runtime.Callers(2, buf)]
	}
	return strings.TrimSpace(formatFrames(pcs))
}

// formatFrames writes "func\n\tfile:line" from the first frame outside the
// logging packages up to the first runtime frame
func formatFrames(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if started || !loggingFrame(fr.Function) {
			started = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// firstAppFrame skips runtime, logging and xerrors frames
func firstAppFrame(pcs []uintptr) (runtime.Frame, bool) {
	if len(pcs) == 0 {
		return runtime.Frame{}, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !strings.HasPrefix(fn, "runtime.") && !loggingFrame(fn) && !strings.Contains(fn, "/internal/xerrors.") {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// frames of the logger itself; other code in the package, tests included,
// counts as application code
var loggerFuncs = []string{
	"/internal/log.(*slogLogger).",
	"/internal/log.enrichHandler.",
	"/internal/log.recordStack",
}

func loggingFrame(fn string) bool {
	if strings.HasPrefix(fn, "log/slog.") {
		return true
	}
	for _, p := range loggerFuncs {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}
