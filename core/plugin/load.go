package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDirectory registers every *.js file under dir into reg, one
// module per file named after its filename stem (spec §4.6
// registration; spec §6 plugin directory configuration). memoryLimit
// and timeoutMS apply to every module loaded this way — per-module
// overrides are not exposed via the filesystem form, only via Register
// directly.
func LoadDirectory(reg *Registry, dir string, memoryLimit, timeoutMS int64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("plugin: read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("plugin: read %s: %w", path, err)
		}
		moduleName := strings.TrimSuffix(name, filepath.Ext(name))
		if err := reg.Register(Config{
			Name:             moduleName,
			Source:           string(src),
			MemoryLimitBytes: memoryLimit,
			TimeoutMS:        timeoutMS,
			Enabled:          true,
		}); err != nil {
			return fmt.Errorf("plugin: register %s: %w", moduleName, err)
		}
	}
	return nil
}
