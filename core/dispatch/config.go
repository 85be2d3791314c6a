package dispatch

import (
	"context"

	"github.com/actionforge/gateway/core/quota"
	"github.com/actionforge/gateway/core/types"
)

// EnrichmentConfig is one enrichment step run before rule evaluation
// (spec §4.2 stage 1).
type EnrichmentConfig struct {
	LookupProvider string
	ResourceType   string
	Params         map[string]any
	MergeAt        string // dot path within the action payload
	Required       bool
}

// GuardrailConfig is the LLM policy applied to one action_type (spec
// §4.2 stage 3). The Gateway looks it up in GuardrailConfigs by
// action_type alone; there is no rule-metadata or global fallback policy.
type GuardrailConfig struct {
	Policy   string
	FailOpen bool
}

// QuotaBinding associates an action_type with the quota.Policy that
// governs it (spec §4.2 stage 4).
type QuotaBinding struct {
	ActionType string
	Policy     quota.Policy
}

// CustomActionHandler resolves a Custom verdict by name (spec §3
// open question: unregistered names fall through to Allow with a
// warning log).
type CustomActionHandler func(ctx context.Context, action types.Action, params map[string]any) (types.Verdict, error)
