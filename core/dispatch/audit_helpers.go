package dispatch

import (
	"time"

	"github.com/actionforge/gateway/core/audit"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// auditRecordForApprovalExpiry synthesizes the audit record for a
// PendingApproval that timed out without ever being granted — there is
// no live Action to route through Gateway.finish, so the record is
// built directly from what was persisted alongside the approval.
func auditRecordForApprovalExpiry(action types.Action, approvalID string, at time.Time) audit.Record {
	return audit.Record{
		ID:           audit.NewID(),
		ActionID:     action.ID,
		Namespace:    action.Namespace,
		Tenant:       action.Tenant,
		Provider:     action.Provider,
		ActionType:   action.ActionType,
		Outcome:      "approval_expired",
		DispatchedAt: at,
		CompletedAt:  at,
		OutcomeDetails: map[string]any{
			"approval_id": approvalID,
		},
	}
}

// auditRecordForGroupFlush synthesizes the audit record for one group
// buffer's flush; it summarizes more than one action so it carries a
// list of action IDs rather than a single ActionID.
func auditRecordForGroupFlush(key state.Key, buf groupBuffer) audit.Record {
	now := time.Now()
	return audit.Record{
		ID:           audit.NewID(),
		Namespace:    key.Scope.Namespace,
		Tenant:       key.Scope.Tenant,
		Outcome:      "group_flushed",
		DispatchedAt: now,
		CompletedAt:  now,
		OutcomeDetails: map[string]any{
			"group_id":   key.Discriminator,
			"group_size": len(buf.ActionIDs),
			"action_ids": buf.ActionIDs,
		},
	}
}
