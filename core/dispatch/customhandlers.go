package dispatch

import (
	"context"
	"fmt"

	"github.com/actionforge/gateway/core/types"
)

// GroupCustomHandler is the built-in Custom handler a deployment
// registers under the name "group" to reach the Grouped outcome (spec
// §3's RuleAction union has no first-class Group arm, so grouping rides
// the Custom extension point named in spec §9 open question 2). Rule
// authors write `custom { name: "group", params: { group_key: "...",
// window_seconds: 60 } }`; group_key may itself reference
// action-derived values resolved by the caller before the rule fires.
func GroupCustomHandler(_ context.Context, _ types.Action, params map[string]any) (types.Verdict, error) {
	groupKey, _ := params["group_key"].(string)
	if groupKey == "" {
		return types.Verdict{}, fmt.Errorf("dispatch: group custom handler requires a non-empty group_key")
	}
	window := int64(60)
	switch w := params["window_seconds"].(type) {
	case int64:
		window = w
	case int:
		window = int64(w)
	case float64:
		window = int64(w)
	}
	return types.Verdict{
		Kind:               types.VerdictGroup,
		GroupKey:           groupKey,
		GroupWindowSeconds: window,
	}, nil
}
