package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// fileSchema is the on-disk YAML shape of one chain definitions file
// (spec §6 "chains (definitions, max concurrent advances, completed
// TTL)"); mirrors core/rules/load.go's directory-of-files convention.
type fileSchema struct {
	Chains []definitionSchema `yaml:"chains"`
}

type definitionSchema struct {
	Name           string         `yaml:"name"`
	TimeoutSeconds int64          `yaml:"timeout_seconds"`
	OnCancel       string         `yaml:"on_cancel"`
	Steps          []stepSchema   `yaml:"steps"`
}

type stepSchema struct {
	Name            string                 `yaml:"name"`
	Provider        string                 `yaml:"provider"`
	ActionType      string                 `yaml:"action_type"`
	PayloadTemplate map[string]any         `yaml:"payload_template"`
	OnFailure       string                 `yaml:"on_failure"`
	DelaySeconds    int64                  `yaml:"delay_seconds"`
	Branches        []branchSchema         `yaml:"branches"`
	DefaultNext     string                 `yaml:"default_next"`
}

type branchSchema struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
	Target   string `yaml:"target"`
}

// LoadDirectory reads every *.yaml/*.yml file under dir, decodes each
// chain definition, and validates it (spec §9: "a cyclic fallback" and
// reference errors are fatal at build).
func LoadDirectory(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("chain: read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("chain: read %s: %w", path, err)
		}

		var file fileSchema
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("chain: parse %s: %w", path, err)
		}

		for _, cs := range file.Chains {
			def := decodeDefinition(cs)
			if err := def.Validate(); err != nil {
				return nil, fmt.Errorf("chain: %s: %w", path, err)
			}
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func decodeDefinition(cs definitionSchema) *Definition {
	steps := make([]Step, 0, len(cs.Steps))
	for _, ss := range cs.Steps {
		branches := make([]Branch, 0, len(ss.Branches))
		for _, bs := range ss.Branches {
			branches = append(branches, Branch{
				Field:    bs.Field,
				Operator: BranchOperator(bs.Operator),
				Value:    bs.Value,
				Target:   bs.Target,
			})
		}
		steps = append(steps, Step{
			Name:            ss.Name,
			Provider:        ss.Provider,
			ActionType:      ss.ActionType,
			PayloadTemplate: ss.PayloadTemplate,
			OnFailure:       OnFailure(ss.OnFailure),
			DelaySeconds:    ss.DelaySeconds,
			Branches:        branches,
			DefaultNext:     ss.DefaultNext,
		})
	}
	return &Definition{
		Name:           cs.Name,
		Steps:          steps,
		TimeoutSeconds: cs.TimeoutSeconds,
		OnCancel:       cs.OnCancel,
	}
}
