package types

import "encoding/json"

// RuleActionKind tags the RuleAction union.
type RuleActionKind string

const (
	ActionAllow       RuleActionKind = "allow"
	ActionDeny        RuleActionKind = "deny"
	ActionSuppress    RuleActionKind = "suppress"
	ActionDeduplicate RuleActionKind = "deduplicate"
	ActionReroute     RuleActionKind = "reroute"
	ActionThrottle    RuleActionKind = "throttle"
	ActionModify      RuleActionKind = "modify"
	ActionChain       RuleActionKind = "chain"
	ActionCustom      RuleActionKind = "custom"
	ActionSchedule    RuleActionKind = "schedule"
	ActionApprove     RuleActionKind = "require_approval"
)

// RuleAction is the tagged union a rule fires when its condition matches
// (spec §3 RuleAction).
type RuleAction struct {
	Kind RuleActionKind

	// Deduplicate
	DedupTTLSeconds int64
	HasDedupTTL     bool

	// Reroute
	TargetProvider string

	// Throttle
	MaxCount      int64
	WindowSeconds int64

	// Modify
	Changes json.RawMessage // JSON patch, applied via gjson/sjson paths

	// Chain
	ChainName string

	// Custom
	CustomName   string
	CustomParams map[string]any

	// Schedule
	ScheduleForSeconds int64

	// RequireApproval
	ApprovalTimeoutSeconds int64
}

// VerdictKind tags the Verdict union returned by the rule engine.
type VerdictKind string

const (
	VerdictAllow       VerdictKind = "allow"
	VerdictDeny        VerdictKind = "deny"
	VerdictSuppress    VerdictKind = "suppress"
	VerdictDeduplicate VerdictKind = "deduplicate"
	VerdictReroute     VerdictKind = "reroute"
	VerdictThrottle    VerdictKind = "throttle"
	VerdictModify      VerdictKind = "modify"
	VerdictChain       VerdictKind = "chain"
	VerdictCustom      VerdictKind = "custom"
	VerdictSchedule    VerdictKind = "schedule"
	VerdictApprove     VerdictKind = "require_approval"

	// VerdictGroup is never produced directly by a RuleAction (spec §3's
	// RuleAction union has no Group arm); it is what a "group" Custom
	// handler returns, using Custom's extension-point contract to reach
	// the Grouped outcome the spec's Outcome union names.
	VerdictGroup VerdictKind = "group"
)

// Verdict is the rule engine's conclusion: the RuleAction of the first
// matching rule (converted to a verdict, with the rule name attached
// where applicable), or Allow if none matched.
type Verdict struct {
	Kind       VerdictKind
	RuleName   string // name of the matched rule; empty for the default Allow
	RuleSource string

	HasDedupTTL     bool
	DedupTTLSeconds int64

	TargetProvider string

	MaxCount      int64
	WindowSeconds int64

	Changes json.RawMessage

	ChainName string

	CustomName   string
	CustomParams map[string]any

	ScheduleForSeconds int64

	ApprovalTimeoutSeconds int64

	// Group fields, populated by a "group" Custom handler's returned
	// Verdict (see VerdictGroup).
	GroupKey          string
	GroupWindowSeconds int64
}

// AllowVerdict is the default verdict when no rule matches.
func AllowVerdict() Verdict {
	return Verdict{Kind: VerdictAllow}
}

// ActionToVerdict converts a matched rule's action into a verdict,
// attaching the rule's name (spec §4.1 matching protocol step 2).
func ActionToVerdict(ruleName, ruleSource string, action RuleAction) Verdict {
	v := Verdict{RuleName: ruleName, RuleSource: ruleSource}
	switch action.Kind {
	case ActionAllow:
		v.Kind = VerdictAllow
	case ActionDeny:
		v.Kind = VerdictDeny
	case ActionSuppress:
		v.Kind = VerdictSuppress
	case ActionDeduplicate:
		v.Kind = VerdictDeduplicate
		v.HasDedupTTL = action.HasDedupTTL
		v.DedupTTLSeconds = action.DedupTTLSeconds
	case ActionReroute:
		v.Kind = VerdictReroute
		v.TargetProvider = action.TargetProvider
	case ActionThrottle:
		v.Kind = VerdictThrottle
		v.MaxCount = action.MaxCount
		v.WindowSeconds = action.WindowSeconds
	case ActionModify:
		v.Kind = VerdictModify
		v.Changes = action.Changes
	case ActionChain:
		v.Kind = VerdictChain
		v.ChainName = action.ChainName
	case ActionCustom:
		// Resolution happens in the dispatch pipeline's handler registry;
		// an unregistered name falls through to Allow with a warning log.
		v.Kind = VerdictCustom
		v.CustomName = action.CustomName
		v.CustomParams = action.CustomParams
	case ActionSchedule:
		v.Kind = VerdictSchedule
		v.ScheduleForSeconds = action.ScheduleForSeconds
	case ActionApprove:
		v.Kind = VerdictApprove
		v.ApprovalTimeoutSeconds = action.ApprovalTimeoutSeconds
	default:
		v.Kind = VerdictAllow
	}
	return v
}
