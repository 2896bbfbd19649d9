package linker

import (
	"fmt"
	"os"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// All diagnostics from worker threads funnel through one mutex-guarded
// stderr sink so parallel passes never interleave partial lines.
var diagMu sync.Mutex

var cleanupHooks []func()

// AtFatal registers a hook run before the process exits on a fatal error.
// The output writer uses it to unlink its temporary file.
func AtFatal(hook func()) {
	diagMu.Lock()
	cleanupHooks = append(cleanupHooks, hook)
	diagMu.Unlock()
}

func Fatal(ctx *Context, format string, args ...any) {
	diagMu.Lock()
	fmt.Fprintf(os.Stderr, "mold: "+format+"\n", args...)
	for i := len(cleanupHooks) - 1; i >= 0; i-- {
		cleanupHooks[i]()
	}
	os.Exit(1)
}

func Error(ctx *Context, format string, args ...any) {
	diagMu.Lock()
	fmt.Fprintf(os.Stderr, "mold: "+format+"\n", args...)
	diagMu.Unlock()
	ctx.HasError.Store(true)
}

func Warn(ctx *Context, format string, args ...any) {
	diagMu.Lock()
	fmt.Fprintf(os.Stderr, "mold: warning: "+format+"\n", args...)
	diagMu.Unlock()
	if ctx.Args.FatalWarnings {
		ctx.HasError.Store(true)
	}
}

func Trace(ctx *Context, format string, args ...any) {
	diagMu.Lock()
	fmt.Fprintf(os.Stderr, "mold: trace: "+format+"\n", args...)
	diagMu.Unlock()
}

// Checkpoint aborts at a pass boundary if any worker reported an error.
func Checkpoint(ctx *Context) {
	if ctx.HasError.Load() {
		diagMu.Lock()
		for i := len(cleanupHooks) - 1; i >= 0; i-- {
			cleanupHooks[i]()
		}
		os.Exit(1)
	}
}

// DisplayName returns the symbol name as shown in diagnostics, demangled
// when --demangle is in effect.
func DisplayName(ctx *Context, name string) string {
	if !ctx.Args.Demangle {
		return name
	}
	if out, err := demangle.ToString(name); err == nil {
		return out
	}
	return name
}
