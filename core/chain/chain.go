// Package chain implements the chain state machine (spec §4.5): a
// declarative DAG of steps advanced one at a time by the background
// scheduler, each advance serialized by the per-chain_id lock.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OnFailure selects what happens when a step's dispatch fails.
type OnFailure string

const (
	OnFailureAbort OnFailure = "abort"
	OnFailureSkip  OnFailure = "skip"
	OnFailureDLQ   OnFailure = "dlq"
)

// BranchOperator is the predicate kind a Branch tests.
type BranchOperator string

const (
	OpEq       BranchOperator = "eq"
	OpNeq      BranchOperator = "neq"
	OpContains BranchOperator = "contains"
	OpExists   BranchOperator = "exists"
)

// Branch is one conditional edge out of a step.
type Branch struct {
	Field    string
	Operator BranchOperator
	Value    any
	Target   string
}

// Step is one node in the chain DAG.
type Step struct {
	Name            string
	Provider        string
	ActionType      string
	PayloadTemplate map[string]any
	OnFailure       OnFailure
	DelaySeconds    int64
	Branches        []Branch
	DefaultNext     string
}

// Definition is a chain's static configuration, validated at build time
// (spec §9: "a cyclic fallback" and chain reference errors are fatal at
// build).
type Definition struct {
	Name           string
	Steps          []Step
	TimeoutSeconds int64
	OnCancel       string

	stepIndex map[string]int
}

// Validate resolves default_next/branch target references and builds the
// step_name -> index map (spec §4.5 "pre-computed step_name -> index
// map"). Every reference must resolve within this chain.
func (d *Definition) Validate() error {
	d.stepIndex = make(map[string]int, len(d.Steps))
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if seen[s.Name] {
			return fmt.Errorf("chain %q: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		d.stepIndex[s.Name] = i
	}
	for _, s := range d.Steps {
		if s.DefaultNext != "" {
			if _, ok := d.stepIndex[s.DefaultNext]; !ok {
				return fmt.Errorf("chain %q: step %q default_next references unknown step %q", d.Name, s.Name, s.DefaultNext)
			}
		}
		for _, b := range s.Branches {
			if _, ok := d.stepIndex[b.Target]; !ok {
				return fmt.Errorf("chain %q: step %q branch references unknown step %q", d.Name, s.Name, b.Target)
			}
		}
	}
	return nil
}

func (d *Definition) StepIndex(name string) (int, bool) {
	i, ok := d.stepIndex[name]
	return i, ok
}

// Status is the chain state record's terminal-or-running classification
// (spec §4.5 "State record").
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepOutput is recorded per completed step (spec §4.5 step_outputs).
type StepOutput struct {
	Success bool           `json:"success"`
	Body    map[string]any `json:"body,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// State is the persisted chain record (spec §4.5 "State record").
type State struct {
	ChainID          string                `json:"chain_id"`
	ChainName        string                `json:"chain_name"`
	Status           Status                `json:"status"`
	CurrentStepIndex int                   `json:"current_step_index"`
	ExecutionPath    []string              `json:"execution_path"`
	StepOutputs      map[string]StepOutput `json:"step_outputs"`
	StartedAt        time.Time             `json:"started_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	TerminalAt       *time.Time            `json:"terminal_at,omitempty"`
	DeadlineAt       time.Time             `json:"deadline_at"`
	// FailureReason distinguishes a Failed status reached via the outer
	// deadline (spec §4.5 step 7, set to ReasonChainTimedOut) from one
	// reached via on_failure: abort/dlq, which leave it empty.
	FailureReason string `json:"failure_reason,omitempty"`
}

// ReasonChainTimedOut is the FailureReason recorded when a chain's
// outer timeout_seconds deadline elapses before completion (spec §4.5
// step 7: "yield Failed with reason ChainTimedOut").
const ReasonChainTimedOut = "ChainTimedOut"

func NewState(chainID, chainName string, timeout time.Duration) State {
	now := time.Now()
	return State{
		ChainID:       chainID,
		ChainName:     chainName,
		Status:        StatusRunning,
		StepOutputs:   make(map[string]StepOutput),
		ExecutionPath: []string{},
		StartedAt:     now,
		UpdatedAt:     now,
		DeadlineAt:    now.Add(timeout),
	}
}

// ErrChainTimedOut marks a chain whose outer deadline (spec §4.5
// "Enforce the chain-level timeout_seconds") elapsed before completion.
var ErrChainTimedOut = errors.New("chain: timed out")

// ErrNoMoreSteps names the condition of a chain with no step left.
// NextStep does not return it; it reports that case with a false second
// result.
var ErrNoMoreSteps = errors.New("chain: no more steps")

// BuildStepAction substitutes {{steps.NAME.body.FIELD}} placeholders in a
// step's payload_template from recorded step_outputs (spec §4.5 step 3).
func BuildStepAction(template map[string]any, outputs map[string]StepOutput) map[string]any {
	return substitute(template, outputs).(map[string]any)
}

func substitute(v any, outputs map[string]StepOutput) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = substitute(vv, outputs)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = substitute(vv, outputs)
		}
		return out
	case string:
		return substitutePlaceholder(t, outputs)
	default:
		return v
	}
}

func substitutePlaceholder(s string, outputs map[string]StepOutput) any {
	if !strings.HasPrefix(s, "{{steps.") || !strings.HasSuffix(s, "}}") {
		return s
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "{{steps."), "}}")
	parts := strings.SplitN(inner, ".body.", 2)
	if len(parts) != 2 {
		return s
	}
	out, ok := outputs[parts[0]]
	if !ok {
		return nil
	}
	return lookupField(out.Body, parts[1])
}

func lookupField(body map[string]any, path string) any {
	cur := any(body)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// NextStep evaluates branches in order against a completed step's output
// body, falling back to default_next then index+1 (spec §4.5 step 5).
func NextStep(def *Definition, step Step, output StepOutput) (string, bool) {
	for _, b := range step.Branches {
		if evalBranch(b, output.Body) {
			return b.Target, true
		}
	}
	if step.DefaultNext != "" {
		return step.DefaultNext, true
	}
	idx, _ := def.StepIndex(step.Name)
	if idx+1 < len(def.Steps) {
		return def.Steps[idx+1].Name, true
	}
	return "", false
}

func evalBranch(b Branch, body map[string]any) bool {
	val, present := fieldValue(body, b.Field)
	switch b.Operator {
	case OpExists:
		return present
	case OpEq:
		return present && equalJSON(val, b.Value)
	case OpNeq:
		return !present || !equalJSON(val, b.Value)
	case OpContains:
		s, ok := val.(string)
		target, ok2 := b.Value.(string)
		return present && ok && ok2 && strings.Contains(s, target)
	default:
		return false
	}
}

func fieldValue(body map[string]any, field string) (any, bool) {
	v := lookupField(body, field)
	return v, v != nil
}

func equalJSON(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
