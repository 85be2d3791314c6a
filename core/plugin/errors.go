// Package plugin implements the sandboxed, resource-bounded module
// runtime expressions call via WasmCall (spec §4.6). Modules are plain
// JavaScript source executed through github.com/dop251/goja — the same
// pure-Go, no-cgo engine the teacher repo uses for its TEE script engine
// (system/tee/script_engine.go) — run in a fresh interpreter per call with
// no host imports, wrapped in the resource bounds §4.6 specifies (input/
// output size caps, wall-clock timeout standing in for the fuel budget,
// and a call-stack-depth cap standing in for the table-growth cap).
//
// MemoryLimitBytes is accepted and range-checked at Register time but not
// enforced at Invoke time: goja (this pinned version and the versions the
// teacher's own TEE script engine uses) exposes no hook to cap or observe
// a single goja.Runtime's heap growth — there is no SetMemoryLimit, no
// allocation callback, and the interpreter shares the host process's Go
// heap with every other concurrently-running VM, so sampling process-wide
// runtime.MemStats cannot be attributed to one call. Real enforcement
// would need a different engine (a cgo WASM runtime with linear-memory
// limits, which the corpus never imports) or per-call OS-process
// isolation, neither of which fits a pure-Go, no-cgo plugin host. The
// timeout (wall-clock standing in for the fuel budget) and call-stack
// depth cap are the two bounds this runtime can and does enforce.
package plugin

import "fmt"

// ErrorKind classifies plugin runtime errors (spec §7 WasmError).
type ErrorKind string

const (
	ErrPluginNotFound ErrorKind = "plugin_not_found"
	ErrPluginDisabled ErrorKind = "plugin_disabled"
	ErrCompilation    ErrorKind = "compilation"
	ErrInvalidConfig  ErrorKind = "invalid_config"
	ErrInvocation     ErrorKind = "invocation"
	ErrTimeout        ErrorKind = "timeout"
	ErrInvalidOutput  ErrorKind = "invalid_output"
	ErrRegistryFull   ErrorKind = "registry_full"
)

// Error is the typed WasmError the rule engine's WasmCall handling
// inspects.
type Error struct {
	Kind      ErrorKind
	Plugin    string
	TimeoutMS int64
	Cause     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("plugin %q timed out after %dms", e.Plugin, e.TimeoutMS)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Kind, e.Cause)
		}
		return fmt.Sprintf("plugin %q: %s", e.Plugin, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }
