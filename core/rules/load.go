package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/actionforge/gateway/core/expr"
	"github.com/actionforge/gateway/core/types"
)

// fileSchema is the on-disk YAML shape of one rules file (spec §6
// "rules (directory ...)"); a deployment's rule set is the union of
// every *.yaml/*.yml file in the configured directory.
type fileSchema struct {
	Rules []ruleSchema `yaml:"rules"`
}

type ruleSchema struct {
	Name       string            `yaml:"name"`
	Priority   int               `yaml:"priority"`
	Enabled    *bool             `yaml:"enabled"`
	Version    int64             `yaml:"version"`
	Condition  map[string]any    `yaml:"condition"`
	Action     actionSchema      `yaml:"action"`
	Metadata   map[string]string `yaml:"metadata"`
	FailClosed bool              `yaml:"fail_closed"`
}

type actionSchema struct {
	Kind                   string         `yaml:"kind"`
	DedupTTLSeconds        *int64         `yaml:"dedup_ttl_seconds"`
	TargetProvider         string         `yaml:"target_provider"`
	MaxCount               int64          `yaml:"max_count"`
	WindowSeconds          int64          `yaml:"window_seconds"`
	Changes                map[string]any `yaml:"changes"`
	ChainName              string         `yaml:"chain_name"`
	CustomName             string         `yaml:"custom_name"`
	CustomParams           map[string]any `yaml:"custom_params"`
	ScheduleForSeconds     int64          `yaml:"schedule_for_seconds"`
	ApprovalTimeoutSeconds int64          `yaml:"approval_timeout_seconds"`
}

// LoadDirectory reads every *.yaml/*.yml file under dir and assembles a
// single Set, sorted/validated by NewSet. Each rules file is independent
// at the filesystem level but contributes to one flat, duplicate-checked
// rule namespace (spec §3 invariants).
func LoadDirectory(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read directory %s: %w", dir, err)
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

	var all []Rule
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rules: read %s: %w", path, err)
		}

		var file fileSchema
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("rules: parse %s: %w", path, err)
		}

		for _, rs := range file.Rules {
			r, err := decodeRule(rs, path)
			if err != nil {
				return nil, fmt.Errorf("rules: %s rule %q: %w", path, rs.Name, err)
			}
			all = append(all, r)
		}
	}

	return NewSet(all)
}

func decodeRule(rs ruleSchema, source string) (Rule, error) {
	cond, err := decodeExpr(rs.Condition)
	if err != nil {
		return Rule{}, fmt.Errorf("condition: %w", err)
	}
	action, err := decodeAction(rs.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("action: %w", err)
	}

	enabled := true
	if rs.Enabled != nil {
		enabled = *rs.Enabled
	}

	return Rule{
		Name:       rs.Name,
		Priority:   rs.Priority,
		Enabled:    enabled,
		Version:    rs.Version,
		Condition:  cond,
		Action:     action,
		Source:     source,
		Metadata:   rs.Metadata,
		FailClosed: rs.FailClosed,
	}, nil
}

func decodeAction(a actionSchema) (types.RuleAction, error) {
	out := types.RuleAction{Kind: types.RuleActionKind(a.Kind)}
	switch out.Kind {
	case types.ActionDeduplicate:
		if a.DedupTTLSeconds != nil {
			out.HasDedupTTL = true
			out.DedupTTLSeconds = *a.DedupTTLSeconds
		}
	case types.ActionReroute:
		out.TargetProvider = a.TargetProvider
	case types.ActionThrottle:
		out.MaxCount = a.MaxCount
		out.WindowSeconds = a.WindowSeconds
	case types.ActionModify:
		if a.Changes != nil {
			b, err := json.Marshal(a.Changes)
			if err != nil {
				return out, err
			}
			out.Changes = b
		}
	case types.ActionChain:
		out.ChainName = a.ChainName
	case types.ActionCustom:
		out.CustomName = a.CustomName
		out.CustomParams = a.CustomParams
	case types.ActionSchedule:
		out.ScheduleForSeconds = a.ScheduleForSeconds
	case types.ActionApprove:
		out.ApprovalTimeoutSeconds = a.ApprovalTimeoutSeconds
	case types.ActionAllow, types.ActionDeny, types.ActionSuppress:
		// no extra fields
	default:
		return out, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return out, nil
}

// decodeExpr turns one YAML-decoded condition node into the expression
// IR (core/expr.Expr). Each node is a map with a "type" discriminator;
// this is the declarative counterpart to a textual expression parser,
// chosen because gatewayd's rule files are authored and reviewed as
// structured YAML, not free-form expression strings.
func decodeExpr(node map[string]any) (expr.Expr, error) {
	if node == nil {
		return expr.NullLit{}, nil
	}
	typ, _ := node["type"].(string)

	switch typ {
	case "null":
		return expr.NullLit{}, nil
	case "bool":
		v, _ := node["value"].(bool)
		return expr.BoolLit{Value: v}, nil
	case "int":
		return expr.IntLit{Value: toInt64(node["value"])}, nil
	case "float":
		v, _ := node["value"].(float64)
		return expr.FloatLit{Value: v}, nil
	case "string":
		v, _ := node["value"].(string)
		return expr.StringLit{Value: v}, nil
	case "list":
		items, err := decodeExprList(node["items"])
		if err != nil {
			return nil, err
		}
		return expr.ListLit{Items: items}, nil
	case "map":
		entries, err := decodeExprMap(node["entries"])
		if err != nil {
			return nil, err
		}
		return expr.MapLit{Entries: entries}, nil
	case "ident":
		name, _ := node["name"].(string)
		return expr.Ident{Name: name}, nil
	case "field":
		target, err := decodeExprField(node, "target")
		if err != nil {
			return nil, err
		}
		name, _ := node["name"].(string)
		return expr.Field{Target: target, Name: name}, nil
	case "index":
		target, err := decodeExprField(node, "target")
		if err != nil {
			return nil, err
		}
		key, err := decodeExprField(node, "key")
		if err != nil {
			return nil, err
		}
		return expr.Index{Target: target, Key: key}, nil
	case "not", "neg":
		operand, err := decodeExprField(node, "operand")
		if err != nil {
			return nil, err
		}
		op := expr.OpNot
		if typ == "neg" {
			op = expr.OpNeg
		}
		return expr.Unary{Op: op, Operand: operand}, nil
	case "ternary":
		cond, err := decodeExprField(node, "cond")
		if err != nil {
			return nil, err
		}
		then, err := decodeExprField(node, "then")
		if err != nil {
			return nil, err
		}
		els, err := decodeExprField(node, "else")
		if err != nil {
			return nil, err
		}
		return expr.Ternary{Cond: cond, Then: then, Else: els}, nil
	case "call":
		name, _ := node["func"].(string)
		args, err := decodeExprList(node["args"])
		if err != nil {
			return nil, err
		}
		return expr.Call{Func: name, Args: args}, nil
	case "all":
		items, err := decodeExprList(node["items"])
		if err != nil {
			return nil, err
		}
		return expr.All{Items: items}, nil
	case "any":
		items, err := decodeExprList(node["items"])
		if err != nil {
			return nil, err
		}
		return expr.Any{Items: items}, nil
	case "state_get":
		key, err := decodeExprField(node, "key")
		if err != nil {
			return nil, err
		}
		return expr.StateGet{Key: key}, nil
	case "state_counter":
		key, err := decodeExprField(node, "key")
		if err != nil {
			return nil, err
		}
		return expr.StateCounter{Key: key}, nil
	case "state_time_since":
		key, err := decodeExprField(node, "key")
		if err != nil {
			return nil, err
		}
		return expr.StateTimeSince{Key: key}, nil
	case "semantic_match":
		topic, _ := node["topic"].(string)
		threshold, _ := node["threshold"].(float64)
		failOpen, _ := node["fail_open"].(bool)
		text, err := decodeExprField(node, "text")
		if err != nil {
			return nil, err
		}
		return expr.SemanticMatch{Topic: topic, Threshold: threshold, Text: text, FailOpen: failOpen}, nil
	case "wasm_call":
		plugin, _ := node["plugin"].(string)
		function, _ := node["function"].(string)
		return expr.WasmCall{Plugin: plugin, Function: function}, nil
	default:
		return decodeBinary(typ, node)
	}
}

func decodeBinary(typ string, node map[string]any) (expr.Expr, error) {
	ops := map[string]expr.BinaryOp{
		"add": expr.OpAdd, "sub": expr.OpSub, "mul": expr.OpMul, "div": expr.OpDiv, "mod": expr.OpMod,
		"eq": expr.OpEq, "neq": expr.OpNeq, "lt": expr.OpLt, "lte": expr.OpLte, "gt": expr.OpGt, "gte": expr.OpGte,
		"contains": expr.OpContains, "starts_with": expr.OpStartsWith, "ends_with": expr.OpEndsWith,
		"matches": expr.OpMatches, "in": expr.OpIn, "and": expr.OpAnd, "or": expr.OpOr,
	}
	op, ok := ops[typ]
	if !ok {
		return nil, fmt.Errorf("unknown condition node type %q", typ)
	}
	left, err := decodeExprField(node, "left")
	if err != nil {
		return nil, err
	}
	right, err := decodeExprField(node, "right")
	if err != nil {
		return nil, err
	}
	return expr.Binary{Op: op, Left: left, Right: right}, nil
}

func decodeExprField(node map[string]any, field string) (expr.Expr, error) {
	sub, _ := node[field].(map[string]any)
	return decodeExpr(sub)
}

func decodeExprList(raw any) ([]expr.Expr, error) {
	items, _ := raw.([]any)
	out := make([]expr.Expr, 0, len(items))
	for _, it := range items {
		m, _ := it.(map[string]any)
		e, err := decodeExpr(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeExprMap(raw any) (map[string]expr.Expr, error) {
	entries, _ := raw.(map[string]any)
	out := make(map[string]expr.Expr, len(entries))
	for k, v := range entries {
		m, _ := v.(map[string]any)
		e, err := decodeExpr(m)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
