package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// enrich runs every configured EnrichmentConfig for action.ActionType in
// order, merging each lookup's result into the payload at merge_at
// (spec §4.2 stage 1). A required enrichment's error aborts dispatch;
// others are logged and skipped.
func (g *Gateway) enrich(ctx context.Context, action *types.Action) error {
	for _, cfg := range g.Enrichments[action.ActionType] {
		result, err := g.Lookups.Lookup(ctx, cfg.LookupProvider, cfg.ResourceType, cfg.Params)
		if err != nil {
			if cfg.Required {
				return fmt.Errorf("required enrichment %s/%s failed: %w", cfg.LookupProvider, cfg.ResourceType, err)
			}
			if g.Logger != nil {
				g.Logger.Warn("enrichment failed, continuing", "lookup_provider", cfg.LookupProvider, "resource_type", cfg.ResourceType, "error", err)
			}
			continue
		}
		action.Payload = mergeAt(action.Payload, cfg.MergeAt, result)
	}
	return nil
}

// checkDedup performs the single-flight conditional write (spec §4.2
// stage 7).
func (g *Gateway) checkDedup(ctx context.Context, scope types.Scope, dedupKey string, ttl time.Duration) (bool, error) {
	key := state.NewKey(scope, state.KindDeduplication, dedupKey)
	marker := "1"
	ok, err := g.Store.CompareAndSet(ctx, key, nil, &marker, ttl)
	if err != nil {
		return false, err
	}
	return !ok, nil // write failed (revealed an existing value) => already deduplicated
}

// startChain creates a ChainState record and indexes its first step
// (spec §4.2 stage 6).
func (g *Gateway) startChain(ctx context.Context, action types.Action, dispatchedAt time.Time, verdict types.Verdict) (types.Outcome, error) {
	chainID := newUUID()
	st, err := g.Chains.Start(ctx, action.Scope(), chainID, verdict.ChainName)
	if err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "chain_start_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}
	outcome := types.Outcome{
		Category:  types.OutcomeChainStarted,
		ChainID:   chainID,
		ChainName: verdict.ChainName,
	}
	_ = st
	return g.finish(ctx, action, dispatchedAt, verdict.RuleName, outcome, verdict, &chainID)
}

// pendingApprovalKey / scheduledActionKey key the timeout-index entries
// the background scheduler later picks up (spec §4.2 stage 5, §4.9).
func pendingApprovalKey(scope types.Scope, approvalID string) state.Key {
	return state.NewKey(scope, state.KindPendingApproval, approvalID)
}

func scheduledActionKey(scope types.Scope, scheduleID string) state.Key {
	return state.NewKey(scope, state.KindSchedule, scheduleID)
}

func (g *Gateway) startApproval(ctx context.Context, action types.Action, dispatchedAt time.Time, verdict types.Verdict) (types.Outcome, error) {
	approvalID := newUUID()
	timeout := time.Duration(verdict.ApprovalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	expiresAt := time.Now().Add(timeout)

	raw, err := sjsonMarshal(action)
	if err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "approval_persist_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}
	key := pendingApprovalKey(action.Scope(), approvalID)
	if err := g.Store.Set(ctx, key, string(raw), timeout); err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "approval_persist_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}
	if err := g.Store.IndexTimeout(ctx, key, expiresAt.UnixMilli()); err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "approval_index_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}

	return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
		Category:          types.OutcomePendingApproval,
		ApprovalID:        approvalID,
		ApprovalExpiresAt: expiresAt,
	}, verdict, nil)
}

// groupBuffer is the JSON shape stored under a KindGroup key: the set of
// action IDs accumulated so far for one group_key (spec §3 "group
// buffers live in the state substrate").
type groupBuffer struct {
	ActionIDs []string `json:"action_ids"`
	NotifyAt  int64    `json:"notify_at_millis"`
}

func groupKey(scope types.Scope, groupKeyValue string) state.Key {
	return state.NewKey(scope, state.KindGroup, groupKeyValue)
}

// startGroup appends action to the named group's buffer, indexing a
// flush timeout only the first time the buffer is created so later
// arrivals extend the group's size without resetting its window (spec
// §4.9 "group flush" is one of the five kinds of due work the background
// scheduler fires).
func (g *Gateway) startGroup(ctx context.Context, action types.Action, dispatchedAt time.Time, verdict types.Verdict) (types.Outcome, error) {
	window := time.Duration(verdict.GroupWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := groupKey(action.Scope(), verdict.GroupKey)

	var (
		buf      groupBuffer
		notifyAt time.Time
	)
	for attempt := 0; attempt < 3; attempt++ {
		raw, ok, err := g.Store.Get(ctx, key)
		if err != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "group_read_failed", FailureMessage: err.Error(),
			}, verdict, nil)
		}
		var expected *string
		if ok {
			expected = &raw
			if err := jsonUnmarshal([]byte(raw), &buf); err != nil {
				return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
					Category: types.OutcomeFailed, FailureCode: "group_decode_failed", FailureMessage: err.Error(),
				}, verdict, nil)
			}
		} else {
			buf = groupBuffer{}
			notifyAt = time.Now().Add(window)
			buf.NotifyAt = notifyAt.UnixMilli()
		}
		buf.ActionIDs = append(buf.ActionIDs, action.ID)

		encoded, err := sjsonMarshal(buf)
		if err != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "group_encode_failed", FailureMessage: err.Error(),
			}, verdict, nil)
		}
		newValue := string(encoded)
		swapped, err := g.Store.CompareAndSet(ctx, key, expected, &newValue, 0)
		if err != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "group_write_failed", FailureMessage: err.Error(),
			}, verdict, nil)
		}
		if swapped {
			break
		}
		if attempt == 2 {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "group_contention",
			}, verdict, nil)
		}
	}

	if !notifyAt.IsZero() {
		if err := g.Store.IndexTimeout(ctx, key, notifyAt.UnixMilli()); err != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "group_index_failed", FailureMessage: err.Error(),
			}, verdict, nil)
		}
	}

	return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
		Category:  types.OutcomeGrouped,
		GroupID:   verdict.GroupKey,
		GroupSize: len(buf.ActionIDs),
		NotifyAt:  time.UnixMilli(buf.NotifyAt).UTC(),
	}, verdict, nil)
}

func (g *Gateway) startSchedule(ctx context.Context, action types.Action, dispatchedAt time.Time, verdict types.Verdict) (types.Outcome, error) {
	scheduleID := newUUID()
	fireAt := time.Now().Add(time.Duration(verdict.ScheduleForSeconds) * time.Second)

	raw, err := sjsonMarshal(action)
	if err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "schedule_persist_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}
	key := scheduledActionKey(action.Scope(), scheduleID)
	if err := g.Store.Set(ctx, key, string(raw), 0); err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "schedule_persist_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}
	if err := g.Store.IndexTimeout(ctx, key, fireAt.UnixMilli()); err != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "schedule_index_failed", FailureMessage: err.Error(),
		}, verdict, nil)
	}

	return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
		Category:          types.OutcomeScheduled,
		ScheduledActionID: scheduleID,
		ScheduledFor:      fireAt,
	}, verdict, nil)
}
