package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/scheduler"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// Handlers returns the five scheduler.Handler functions the background
// scheduler registers, one per state.Kind: group flush, approval expiry,
// scheduled action, chain step advance and recurring action occurrence.
// No handler performs a state-machine timeout transition or an approval
// retry. The caller wires these with scheduler.Scheduler.Register.
func (g *Gateway) Handlers() map[state.Kind]scheduler.Handler {
	return map[state.Kind]scheduler.Handler{
		state.KindGroup:           g.FlushGroup,
		state.KindPendingApproval: g.ExpireApproval,
		state.KindSchedule:        g.FireScheduled,
		state.KindChain:           g.AdvanceChain,
		state.KindRecurringAction: g.FireRecurring,
	}
}

// FireScheduled re-dispatches the action a Scheduled outcome deferred,
// once its fire time is reached (spec §4.9 "scheduled action").
func (g *Gateway) FireScheduled(ctx context.Context, key state.Key) error {
	raw, ok, err := g.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	_ = g.Store.RemoveTimeoutIndex(ctx, key)
	_ = g.Store.Delete(ctx, key)
	if !ok {
		return nil
	}
	var action types.Action
	if err := jsonUnmarshal([]byte(raw), &action); err != nil {
		return fmt.Errorf("dispatch: decode scheduled action %s: %w", key.Discriminator, err)
	}
	_, err = g.dispatchInternal(ctx, action, true)
	return err
}

// ExpireApproval fires when a PendingApproval's timeout is reached
// without a grant; approvals are terminal on expiry (spec §3
// "Lifecycles": "approvals ... live in the state substrate with
// explicit terminal -> expiry transitions"), so this only tears down
// the pending record and leaves an audit trail.
func (g *Gateway) ExpireApproval(ctx context.Context, key state.Key) error {
	raw, ok, err := g.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	_ = g.Store.RemoveTimeoutIndex(ctx, key)
	_ = g.Store.Delete(ctx, key)
	if !ok || g.AuditSink == nil {
		return nil
	}
	var action types.Action
	if err := jsonUnmarshal([]byte(raw), &action); err != nil {
		return fmt.Errorf("dispatch: decode expired approval %s: %w", key.Discriminator, err)
	}
	now := time.Now()
	return g.AuditSink.Write(ctx, auditRecordForApprovalExpiry(action, key.Discriminator, now))
}

// AdvanceChain runs one chain's next step via the chain manager,
// building synthetic step actions from the step's provider/action_type
// instead of the full dispatch pipeline (spec §4.5 step advance skips
// rule re-evaluation entirely).
func (g *Gateway) AdvanceChain(ctx context.Context, key state.Key) error {
	return g.Chains.Advance(ctx, key.Scope, key.Discriminator, g.dispatchChainStep, g.deadLetterChainStep)
}

func (g *Gateway) dispatchChainStep(ctx context.Context, scope types.Scope, providerName, actionType string, payload map[string]any) (map[string]any, error) {
	p, ok := g.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown provider %q", providerName)
	}
	action := types.Action{
		ID:         newUUID(),
		Namespace:  scope.Namespace,
		Tenant:     scope.Tenant,
		Provider:   providerName,
		ActionType: actionType,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	resp, err := p.Execute(ctx, action)
	if err != nil {
		return nil, err
	}
	body, _ := resp.Body.(map[string]any)
	return body, nil
}

func (g *Gateway) deadLetterChainStep(ctx context.Context, scope types.Scope, chainID, stepName string, payload map[string]any, cause error) {
	if g.DeadLetterSink == nil {
		return
	}
	_ = g.DeadLetterSink.Append(ctx, executor.DeadLetter{
		Action: types.Action{
			ID:         newUUID(),
			Namespace:  scope.Namespace,
			Tenant:     scope.Tenant,
			Provider:   "chain:" + chainID,
			ActionType: stepName,
			Payload:    payload,
		},
		Provider:  "chain:" + chainID,
		FailedAt:  time.Now(),
		LastError: cause.Error(),
		Attempts:  1,
	})
}

// RecurringDefinition is the stored shape of one recurring action (spec
// §4.9: "cron expression parses, IANA timezone resolves, ... Each
// occurrence computes the next fire time from the cron in the stored
// timezone, updates execution_count, and re-indexes").
type RecurringDefinition struct {
	CronExpr       string         `json:"cron_expr"`
	Timezone       string         `json:"timezone"`
	Provider       string         `json:"provider"`
	ActionType     string         `json:"action_type"`
	PayloadTemplate map[string]any `json:"payload_template"`
	ExecutionCount int64          `json:"execution_count"`
}

// RegisterRecurring validates cfg (spec §4.9's creation-time checks)
// and persists def so the background scheduler starts firing it at the
// first computed occurrence.
func (g *Gateway) RegisterRecurring(ctx context.Context, scope types.Scope, actionID string, def RecurringDefinition, cfg scheduler.RecurrenceConfig, minFloorSeconds int64) error {
	sched, loc, err := scheduler.ValidateRecurrence(cfg, minFloorSeconds)
	if err != nil {
		return err
	}
	key := scheduler.RecurringActionKey(scope, actionID)
	raw, err := sjsonMarshal(def)
	if err != nil {
		return err
	}
	if err := g.Store.Set(ctx, key, string(raw), 0); err != nil {
		return err
	}
	next := scheduler.NextOccurrence(sched, loc, time.Now())
	return g.Store.IndexTimeout(ctx, key, next.UnixMilli())
}

// FireRecurring dispatches one occurrence of a recurring action, then
// re-indexes the next one (spec §4.9).
func (g *Gateway) FireRecurring(ctx context.Context, key state.Key) error {
	raw, ok, err := g.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var def RecurringDefinition
	if err := jsonUnmarshal([]byte(raw), &def); err != nil {
		return fmt.Errorf("dispatch: decode recurring action %s: %w", key.Discriminator, err)
	}

	action := types.Action{
		ID:         newUUID(),
		Namespace:  key.Scope.Namespace,
		Tenant:     key.Scope.Tenant,
		Provider:   def.Provider,
		ActionType: def.ActionType,
		Payload:    def.PayloadTemplate,
		CreatedAt:  time.Now(),
	}
	_, dispatchErr := g.dispatchInternal(ctx, action, true)

	sched, loc, err := scheduler.ValidateRecurrence(scheduler.RecurrenceConfig{CronExpr: def.CronExpr, Timezone: def.Timezone}, 0)
	if err != nil {
		return fmt.Errorf("dispatch: recurring action %s has become invalid: %w", key.Discriminator, err)
	}
	def.ExecutionCount++
	encoded, err := sjsonMarshal(def)
	if err != nil {
		return err
	}
	if err := g.Store.Set(ctx, key, string(encoded), 0); err != nil {
		return err
	}
	next := scheduler.NextOccurrence(sched, loc, time.Now())
	if err := g.Store.IndexTimeout(ctx, key, next.UnixMilli()); err != nil {
		return err
	}
	return dispatchErr
}

// FlushGroup drains one group's buffered action IDs once its window
// elapses, emitting a single audit record summarizing the flush (spec
// §4.9 "group flush"; there is no per-action Outcome for a flush since
// by definition it resolves more than one action at once).
func (g *Gateway) FlushGroup(ctx context.Context, key state.Key) error {
	raw, ok, err := g.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	_ = g.Store.RemoveTimeoutIndex(ctx, key)
	_ = g.Store.Delete(ctx, key)
	if !ok || g.AuditSink == nil {
		return nil
	}
	var buf groupBuffer
	if err := jsonUnmarshal([]byte(raw), &buf); err != nil {
		return fmt.Errorf("dispatch: decode group buffer %s: %w", key.Discriminator, err)
	}
	return g.AuditSink.Write(ctx, auditRecordForGroupFlush(key, buf))
}
