package plugin

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/actionforge/gateway/core/types"
)

// MaxLoadedModules is the registry-wide limit on compiled modules (spec
// §4.6 registration).
const MaxLoadedModules = 256

// MaxMemoryLimitBytes is the upper bound accepted for a module's
// configured memory limit (256 MiB, spec §4.6).
const MaxMemoryLimitBytes = 256 * 1024 * 1024

// MaxTimeoutMS is the upper bound accepted for a module's configured
// timeout.
const MaxTimeoutMS = 30_000

// MaxCallStackDepth stands in for the table-growth cap (10,000 entries,
// spec §4.6): goja has no WASM table concept, so recursion depth is the
// closest analogue of unbounded indirect-call growth.
const MaxCallStackDepth = 10_000

// Config registers a single plugin module.
type Config struct {
	Name             string
	Source           string // JS source — the "wasm_bytes" of this runtime
	MemoryLimitBytes int64
	TimeoutMS        int64
	Enabled          bool
}

type compiledPlugin struct {
	cfg     Config
	program *goja.Program
}

// Registry holds compiled plugin modules behind a read/write lock;
// invocation looks the module up, then runs without holding the lock
// (spec §9 "invocation clones a handle and drops the lock before running").
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*compiledPlugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*compiledPlugin)}
}

// Register compiles and validates a module. Compilation failures and
// configuration errors are rejected at registration time, never at
// invocation time.
func (r *Registry) Register(cfg Config) error {
	if !types.SafeIdentifier(cfg.Name) {
		return &Error{Kind: ErrInvalidConfig, Plugin: cfg.Name, Cause: errInvalidName}
	}
	if cfg.MemoryLimitBytes <= 0 || cfg.MemoryLimitBytes > MaxMemoryLimitBytes {
		return &Error{Kind: ErrInvalidConfig, Plugin: cfg.Name, Cause: errMemoryLimitRange}
	}
	if cfg.TimeoutMS <= 0 || cfg.TimeoutMS > MaxTimeoutMS {
		return &Error{Kind: ErrInvalidConfig, Plugin: cfg.Name, Cause: errTimeoutRange}
	}

	program, err := goja.Compile(cfg.Name, cfg.Source, false)
	if err != nil {
		return &Error{Kind: ErrCompilation, Plugin: cfg.Name, Cause: err}
	}
	if err := rejectHostImports(cfg.Source); err != nil {
		return &Error{Kind: ErrCompilation, Plugin: cfg.Name, Cause: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[cfg.Name]; !exists && len(r.plugins) >= MaxLoadedModules {
		return &Error{Kind: ErrRegistryFull, Plugin: cfg.Name}
	}
	r.plugins[cfg.Name] = &compiledPlugin{cfg: cfg, program: program}
	return nil
}

// Unregister removes a module from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, name)
}

func (r *Registry) lookup(name string) (*compiledPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, &Error{Kind: ErrPluginNotFound, Plugin: name}
	}
	if !p.cfg.Enabled {
		return nil, &Error{Kind: ErrPluginDisabled, Plugin: name}
	}
	return p, nil
}
