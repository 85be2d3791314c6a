package plugin

import (
	"errors"
	"regexp"
)

var (
	errInvalidName      = errors.New("plugin name must be a safe identifier (no path separators, no \"..\")")
	errMemoryLimitRange = errors.New("memory_limit_bytes must be in [1, 256MiB]")
	errTimeoutRange     = errors.New("timeout_ms must be in [1, 30000]")
	errNoEntryPoint     = errors.New("module does not export the requested entry point")
	errOutputTooLarge   = errors.New("output exceeds 1MiB limit")
	errInputTooLarge    = errors.New("input exceeds 1MiB limit")
)

// MaxIOBytes bounds both the serialized input passed into a module and
// the serialized output read back from it (spec §4.6 invocation).
const MaxIOBytes = 1024 * 1024

// forbiddenGlobals is the set of ambient-authority surfaces a module must
// not reference. The allowed-imports set for this runtime is exactly
// empty (spec §4.6 registration): a plugin is plain expression/statement
// JavaScript with no access to the outside world, so scripts referencing
// any of these are rejected at registration instead of discovering the
// missing global at call time.
var forbiddenGlobals = regexp.MustCompile(`\b(require|process|fetch|XMLHttpRequest|WebAssembly|Worker|importScripts)\b`)

func rejectHostImports(source string) error {
	if forbiddenGlobals.MatchString(source) {
		return errors.New("module references a disallowed host capability")
	}
	return nil
}

// deterministicPrelude overrides the only two JavaScript builtins that can
// observe non-deterministic state (wall clock, randomness) so a module is
// a pure function of its JSON input, as spec §4.6 "Determinism" requires.
// console.log is kept because it has no observable effect on the
// module's own control flow; runOnce collects its arguments for the call
// and then discards them, so they are not returned to the caller.
const deterministicPrelude = `
(function() {
  var frozenNow = 0;
  Date = function() { return { getTime: function(){ return frozenNow; }, toISOString: function(){ return "1970-01-01T00:00:00.000Z"; } }; };
  Date.now = function() { return frozenNow; };
  Math.random = function() { throw new Error("Math.random is disabled in plugin sandbox"); };
})();
`
