package types

import "time"

// OutcomeCategory tags the Outcome union the pipeline resolves a verdict
// into (spec §3 Verdict / Outcome).
type OutcomeCategory string

const (
	OutcomeExecuted        OutcomeCategory = "executed"
	OutcomeDeduplicated    OutcomeCategory = "deduplicated"
	OutcomeSuppressed      OutcomeCategory = "suppressed"
	OutcomeRerouted        OutcomeCategory = "rerouted"
	OutcomeThrottled       OutcomeCategory = "throttled"
	OutcomeFailed          OutcomeCategory = "failed"
	OutcomeGrouped         OutcomeCategory = "grouped"
	OutcomeStateChanged    OutcomeCategory = "state_changed"
	OutcomePendingApproval OutcomeCategory = "pending_approval"
	OutcomeChainStarted    OutcomeCategory = "chain_started"
	OutcomeDryRun          OutcomeCategory = "dry_run"
	OutcomeCircuitOpen     OutcomeCategory = "circuit_open"
	OutcomeScheduled       OutcomeCategory = "scheduled"
)

// ProviderResponseStatus is the Provider.execute result status.
type ProviderResponseStatus string

const (
	ProviderSuccess ProviderResponseStatus = "success"
	ProviderFailure ProviderResponseStatus = "failure"
	ProviderPartial ProviderResponseStatus = "partial"
)

// ProviderResponse is returned by a successful (possibly partial) provider
// execution.
type ProviderResponse struct {
	Status  ProviderResponseStatus
	Body    map[string]any
	Headers map[string]string
}

// Outcome is the pipeline's single, final result for one accepted action
// (invariant: exactly one outcome per accepted action).
type Outcome struct {
	Category OutcomeCategory

	// Executed
	Response *ProviderResponse

	// Suppressed
	SuppressedByRule string

	// Rerouted
	OriginalProvider string
	NewProvider      string

	// Throttled
	RetryAfterSeconds int64

	// Failed
	FailureCode      string
	FailureMessage   string
	FailureRetryable bool
	Attempts         int

	// Grouped
	GroupID    string
	GroupSize  int
	NotifyAt   time.Time

	// PendingApproval
	ApprovalID        string
	ApprovalExpiresAt time.Time

	// ChainStarted
	ChainID       string
	ChainName     string
	TotalSteps    int
	FirstStep     string

	// CircuitOpen
	CircuitProvider string
	FallbackChain   []string

	// Scheduled
	ScheduledActionID string
	ScheduledFor      time.Time

	// DryRun / StateChanged carry arbitrary details.
	Details map[string]any
}

// DetailsMap renders the fields of whichever union arm Category selects
// into a flat map, the shape persisted as AuditRecord.outcome_details and
// replayed back into a StreamEvent by stream.FromAuditRecord (spec §4.8,
// §6 SSE framing). Only the arm matching Category is populated.
func (o Outcome) DetailsMap() map[string]any {
	switch o.Category {
	case OutcomeExecuted:
		if o.Response == nil {
			return nil
		}
		return map[string]any{
			"response_status":  string(o.Response.Status),
			"response_body":    o.Response.Body,
			"response_headers": o.Response.Headers,
		}
	case OutcomeSuppressed:
		return map[string]any{"suppressed_by_rule": o.SuppressedByRule}
	case OutcomeRerouted:
		details := map[string]any{"original_provider": o.OriginalProvider, "new_provider": o.NewProvider}
		if o.Response != nil {
			details["response_status"] = string(o.Response.Status)
			details["response_body"] = o.Response.Body
		}
		return details
	case OutcomeThrottled:
		return map[string]any{"retry_after_seconds": o.RetryAfterSeconds}
	case OutcomeFailed:
		return map[string]any{
			"failure_code":      o.FailureCode,
			"failure_message":   o.FailureMessage,
			"failure_retryable": o.FailureRetryable,
			"attempts":          o.Attempts,
		}
	case OutcomeGrouped:
		return map[string]any{"group_id": o.GroupID, "group_size": o.GroupSize, "notify_at": o.NotifyAt}
	case OutcomePendingApproval:
		return map[string]any{"approval_id": o.ApprovalID, "approval_expires_at": o.ApprovalExpiresAt}
	case OutcomeChainStarted:
		return map[string]any{
			"chain_id": o.ChainID, "chain_name": o.ChainName,
			"total_steps": o.TotalSteps, "first_step": o.FirstStep,
		}
	case OutcomeCircuitOpen:
		return map[string]any{"circuit_provider": o.CircuitProvider, "fallback_chain": o.FallbackChain}
	case OutcomeScheduled:
		return map[string]any{"scheduled_action_id": o.ScheduledActionID, "scheduled_for": o.ScheduledFor}
	case OutcomeDryRun, OutcomeStateChanged:
		return o.Details
	default:
		return nil
	}
}
