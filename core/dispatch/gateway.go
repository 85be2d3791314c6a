// Package dispatch implements the Gateway pipeline (spec §4.2): the
// ordered stage sequence that turns an accepted action into exactly one
// Outcome, recording it and emitting a stream event.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/actionforge/gateway/core/audit"
	"github.com/actionforge/gateway/core/breaker"
	"github.com/actionforge/gateway/core/chain"
	"github.com/actionforge/gateway/core/embedding"
	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/expr"
	"github.com/actionforge/gateway/core/llm"
	"github.com/actionforge/gateway/core/lock"
	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/quota"
	"github.com/actionforge/gateway/core/resourcelookup"
	"github.com/actionforge/gateway/core/rules"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/stream"
	"github.com/actionforge/gateway/core/types"
)

// Gateway owns every collaborator the pipeline drives. Every shared
// mutable surface (the rule engine's RWMutex, the state substrate, the
// lock) lives here; there is no package-scope mutable state (spec §9
// "Global mutable state"). Gateway has no build or shutdown method: it is
// assembled as a struct literal.
type Gateway struct {
	Rules     *rules.Engine
	Store     state.Store
	Locks     lock.Lock
	Breakers  *breaker.Registry
	Quota     *quota.Checker
	Executor  *executor.Executor
	Chains    *chain.Manager
	Providers map[string]provider.Provider
	Lookups   *resourcelookup.Registry
	Embedding embedding.Support
	Guardrail llm.Evaluator
	AuditSink audit.Sink
	Redactor  *audit.Redactor
	Stream    *stream.Broadcaster
	Logger    *slog.Logger

	// DeadLetterSink receives chain steps whose OnFailureDLQ policy fires
	// (spec §4.5); distinct from Executor's own internal sink because a
	// failed chain step never goes through Executor.Execute's retry path.
	DeadLetterSink executor.Sink

	Enrichments      map[string][]EnrichmentConfig
	QuotaPolicies    map[string]quota.Policy
	GuardrailConfigs map[string]GuardrailConfig
	CustomHandlers   map[string]CustomActionHandler

	DefaultDedupTTL time.Duration
	DefaultTimezone string
	Environment     map[string]string
	ComplianceMode  bool
	StorePayload    bool
	AuditTTL        time.Duration

	// auditOnce/auditCh back the non-compliance-mode path: a bounded
	// tracker task set (spec §4.2 stage 11) that enqueues audit writes off
	// the hot path instead of blocking the dispatch on the sink. Lazily
	// started on first use since Gateway has no constructor.
	auditOnce sync.Once
	auditCh   chan audit.Record
}

const (
	auditQueueSize = 256
	auditWorkers   = 8
)

// enqueueAudit hands rec to the bounded async tracker pool, logging and
// dropping it if the queue is full (spec §7: "audit-sink errors in
// non-compliance mode are logged and dropped").
func (g *Gateway) enqueueAudit(rec audit.Record) {
	g.auditOnce.Do(func() {
		g.auditCh = make(chan audit.Record, auditQueueSize)
		for i := 0; i < auditWorkers; i++ {
			go g.auditWorker()
		}
	})
	select {
	case g.auditCh <- rec:
	default:
		if g.Logger != nil {
			g.Logger.Warn("audit queue full, dropping record", "action_id", rec.ActionID)
		}
	}
}

func (g *Gateway) auditWorker() {
	for rec := range g.auditCh {
		if err := g.AuditSink.Write(context.Background(), rec); err != nil {
			if g.Logger != nil {
				g.Logger.Warn("async audit write failed, dropped", "action_id", rec.ActionID, "error", err)
			}
		}
	}
}

// embeddingAdapter drops the ctx parameter embedding.Support's
// Available takes, to satisfy expr.EmbeddingChecker's synchronous shape.
type embeddingAdapter struct {
	ctx context.Context
	s   embedding.Support
}

func (a embeddingAdapter) Similarity(ctx context.Context, topic, text string) (float64, error) {
	return a.s.Similarity(ctx, topic, text)
}
func (a embeddingAdapter) Available() bool { return a.s.Available(a.ctx) }

// Dispatch runs one accepted action through the full pipeline (spec
// §4.2). It always returns exactly one Outcome (invariant).
func (g *Gateway) Dispatch(ctx context.Context, action types.Action) (types.Outcome, error) {
	return g.dispatchInternal(ctx, action, true)
}

// dispatchInternal is shared by Dispatch and the scheduler handlers that
// re-dispatch a deferred action (FireScheduled, FireRecurring); all of
// them pass allowChainStart true. Chain steps do not pass through here:
// dispatchChainStep calls the step's provider directly.
func (g *Gateway) dispatchInternal(ctx context.Context, action types.Action, allowChainStart bool) (types.Outcome, error) {
	dispatchedAt := time.Now()
	action = action.Clone()
	requestedProvider := action.Provider

	// Stage 1: enrichment.
	if err := g.enrich(ctx, &action); err != nil {
		return g.finish(ctx, action, dispatchedAt, "", types.Outcome{
			Category:       types.OutcomeFailed,
			FailureCode:    "enrichment_required_failed",
			FailureMessage: err.Error(),
		}, types.AllowVerdict(), nil)
	}

	// Stage 2: rule evaluation.
	ec := expr.NewEvalContext(action, g.Environment, time.Now())
	ec.DefaultTimezone = g.DefaultTimezone
	if g.Store != nil {
		ec.State = state.ExprAdapter{Store: g.Store}
	}
	if g.Embedding != nil {
		ec.Embedding = embeddingAdapter{ctx: ctx, s: g.Embedding}
	}
	match, err := g.Rules.Evaluate(ctx, ec)
	if err != nil {
		return g.finish(ctx, action, dispatchedAt, "", types.Outcome{
			Category:       types.OutcomeFailed,
			FailureCode:    "state_access_error",
			FailureMessage: err.Error(),
		}, types.AllowVerdict(), nil)
	}
	verdict := match.Verdict

	if verdict.Kind == types.VerdictModify {
		action.Payload = applyModify(action.Payload, verdict.Changes)
	}
	if match.WasmDetail != nil && len(match.WasmDetail.Metadata) > 0 {
		action.Payload = mergeAt(action.Payload, "", match.WasmDetail.Metadata)
	}
	if verdict.Kind == types.VerdictCustom {
		verdict = g.resolveCustom(ctx, action, verdict)
	}

	// Stage 3: LLM guardrail.
	if verdict.Kind == types.VerdictAllow {
		if cfg, ok := g.GuardrailConfigs[action.ActionType]; ok && g.Guardrail != nil {
			res, gerr := llm.FailOpenEvaluator{Inner: g.Guardrail, FailOpen: cfg.FailOpen}.Evaluate(ctx, action.ToValueMap(), cfg.Policy)
			if gerr == nil && res.Decision == llm.DecisionDeny {
				return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
					Category:         types.OutcomeSuppressed,
					SuppressedByRule: res.Reason,
				}, verdict, nil)
			}
		}
	}

	// Terminal verdicts short-circuit before quota/dedup/breaker.
	switch verdict.Kind {
	case types.VerdictDeny, types.VerdictSuppress:
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category:         types.OutcomeSuppressed,
			SuppressedByRule: verdict.RuleName,
		}, verdict, nil)
	}

	// Stage 4: quota.
	if policy, ok := g.QuotaPolicies[action.ActionType]; ok {
		qres, qerr := g.Quota.Check(ctx, action.Scope(), policy)
		if qerr != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "quota_check_failed", FailureMessage: qerr.Error(),
			}, verdict, nil)
		}
		if !qres.Allowed {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "quota_exceeded",
			}, verdict, nil)
		}
		if qres.Behavior == quota.OverageDegrade && qres.FallbackProvider != "" {
			action.Provider = qres.FallbackProvider
		}
	}

	// Stage 5: schedule & approval short-circuits.
	switch verdict.Kind {
	case types.VerdictApprove:
		return g.startApproval(ctx, action, dispatchedAt, verdict)
	case types.VerdictSchedule:
		return g.startSchedule(ctx, action, dispatchedAt, verdict)
	case types.VerdictGroup:
		return g.startGroup(ctx, action, dispatchedAt, verdict)
	}

	// Stage 6: chain start.
	if verdict.Kind == types.VerdictChain && allowChainStart {
		return g.startChain(ctx, action, dispatchedAt, verdict)
	}

	// Stage 7: deduplication.
	dedupKey := action.DedupKey
	dedupTTL := g.DefaultDedupTTL
	if verdict.Kind == types.VerdictDeduplicate {
		if verdict.HasDedupTTL {
			dedupTTL = time.Duration(verdict.DedupTTLSeconds) * time.Second
		}
	}
	if dedupKey != "" {
		deduped, derr := g.checkDedup(ctx, action.Scope(), dedupKey, dedupTTL)
		if derr != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "dedup_check_failed", FailureMessage: derr.Error(),
			}, verdict, nil)
		}
		if deduped {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{Category: types.OutcomeDeduplicated}, verdict, nil)
		}
	}

	// Stage 8: throttle.
	if verdict.Kind == types.VerdictThrottle {
		tres, terr := g.Quota.CheckThrottle(ctx, action.Scope(), verdict.RuleName, quota.ThrottleSpec{
			Max: verdict.MaxCount, Window: time.Duration(verdict.WindowSeconds) * time.Second,
		})
		if terr != nil {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeFailed, FailureCode: "throttle_check_failed", FailureMessage: terr.Error(),
			}, verdict, nil)
		}
		if !tres.Allowed {
			return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
				Category: types.OutcomeThrottled, RetryAfterSeconds: int64(tres.RetryAfter.Seconds()),
			}, verdict, nil)
		}
	}

	// Stage 9: circuit breaker check.
	effectiveProvider := action.Provider
	if verdict.Kind == types.VerdictReroute && verdict.TargetProvider != "" {
		effectiveProvider = verdict.TargetProvider
	}
	if g.Breakers != nil {
		bstate, berr := g.Breakers.Check(ctx, action.Namespace, action.Tenant, effectiveProvider)
		if berr != nil {
			if cfg, ok := g.breakerFallback(effectiveProvider); ok && g.providerHealthy(ctx, cfg) {
				effectiveProvider = cfg
			} else {
				return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
					Category: types.OutcomeCircuitOpen, CircuitProvider: effectiveProvider,
				}, verdict, nil)
			}
		}
		_ = bstate
	}

	// Stage 10: execution.
	p, ok := g.Providers[effectiveProvider]
	if !ok {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category: types.OutcomeFailed, FailureCode: "unknown_provider", FailureMessage: effectiveProvider,
		}, verdict, nil)
	}
	execAction := action
	execAction.Provider = effectiveProvider
	resp, execErr := g.Executor.Execute(ctx, p, execAction, func(success bool) {
		if g.Breakers == nil {
			return
		}
		if success {
			_ = g.Breakers.ReportSuccess(ctx, action.Namespace, action.Tenant, effectiveProvider)
		} else {
			_ = g.Breakers.ReportFailure(ctx, action.Namespace, action.Tenant, effectiveProvider)
		}
	})
	if execErr != nil {
		return g.finish(ctx, action, dispatchedAt, verdict.RuleName, types.Outcome{
			Category:       types.OutcomeFailed,
			FailureCode:    "execution_failed",
			FailureMessage: execErr.Error(),
			FailureRetryable: isRetryable(execErr),
		}, verdict, nil)
	}

	outcome := types.Outcome{
		Category: types.OutcomeExecuted,
		Response: &types.ProviderResponse{
			Status:  types.ProviderResponseStatus(resp.Status),
			Headers: resp.Headers,
		},
	}
	if body, ok := resp.Body.(map[string]any); ok {
		outcome.Response.Body = body
	}
	// A verdict-driven reroute or a breaker/quota fallback substitution
	// that actually changed the provider used is reported as Rerouted
	// rather than a plain Executed (spec §3 Outcome union, §4.4 fallback).
	if effectiveProvider != requestedProvider {
		outcome.Category = types.OutcomeRerouted
		outcome.OriginalProvider = requestedProvider
		outcome.NewProvider = effectiveProvider
	}
	return g.finish(ctx, action, dispatchedAt, verdict.RuleName, outcome, verdict, nil)
}

func isRetryable(err error) bool {
	var perr *provider.Error
	if ok := asProviderError(err, &perr); ok {
		return perr.Kind.Retryable()
	}
	return false
}

func asProviderError(err error, target **provider.Error) bool {
	for err != nil {
		if pe, ok := err.(*provider.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (g *Gateway) breakerFallback(providerName string) (string, bool) {
	if g.Breakers == nil {
		return "", false
	}
	return g.Breakers.Fallback(providerName)
}

func (g *Gateway) providerHealthy(ctx context.Context, providerName string) bool {
	p, ok := g.Providers[providerName]
	if !ok {
		return false
	}
	return p.HealthCheck(ctx) == nil
}

func (g *Gateway) resolveCustom(ctx context.Context, action types.Action, verdict types.Verdict) types.Verdict {
	h, ok := g.CustomHandlers[verdict.CustomName]
	if !ok {
		if g.Logger != nil {
			g.Logger.Warn("unregistered custom action, falling through to allow", "name", verdict.CustomName)
		}
		return types.AllowVerdict()
	}
	resolved, err := h(ctx, action, verdict.CustomParams)
	if err != nil {
		if g.Logger != nil {
			g.Logger.Warn("custom action handler error, falling through to allow", "name", verdict.CustomName, "error", err)
		}
		return types.AllowVerdict()
	}
	resolved.RuleName = verdict.RuleName
	resolved.RuleSource = verdict.RuleSource
	return resolved
}

// applyModify applies a Modify verdict's JSON-patch-style changes
// (object of dotted-path -> value) via sjson, matching the teacher
// pack's gjson/sjson-based partial-update pattern.
func applyModify(payload map[string]any, changes []byte) map[string]any {
	if len(changes) == 0 {
		return payload
	}
	raw, err := sjsonMarshal(payload)
	if err != nil {
		return payload
	}
	gjson.ParseBytes(changes).ForEach(func(key, value gjson.Result) bool {
		raw, err = sjson.SetBytes(raw, key.String(), value.Value())
		return err == nil
	})
	var out map[string]any
	if err := jsonUnmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}

func mergeAt(payload map[string]any, path string, value map[string]any) map[string]any {
	if path == "" {
		out := make(map[string]any, len(payload)+len(value))
		for k, v := range payload {
			out[k] = v
		}
		for k, v := range value {
			out[k] = v
		}
		return out
	}
	raw, err := sjsonMarshal(payload)
	if err != nil {
		return payload
	}
	raw, err = sjson.SetBytes(raw, path, value)
	if err != nil {
		return payload
	}
	var out map[string]any
	if err := jsonUnmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}

func (g *Gateway) finish(ctx context.Context, action types.Action, dispatchedAt time.Time, matchedRule string, outcome types.Outcome, verdict types.Verdict, chainID *string) (types.Outcome, error) {
	completedAt := time.Now()
	rec := audit.Record{
		ID:           audit.NewID(),
		ActionID:     action.ID,
		Namespace:    action.Namespace,
		Tenant:       action.Tenant,
		Provider:     action.Provider,
		ActionType:   action.ActionType,
		Verdict:      string(verdict.Kind),
		MatchedRule:  matchedRule,
		Outcome:      string(outcome.Category),
		DispatchedAt: dispatchedAt,
		CompletedAt:  completedAt,
		DurationMS:   completedAt.Sub(dispatchedAt).Milliseconds(),
	}
	if chainID != nil {
		rec.ChainID = *chainID
	}
	rec.OutcomeDetails = outcome.DetailsMap()
	if len(action.Metadata) > 0 {
		meta := make(map[string]any, len(action.Metadata))
		for k, v := range action.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	if g.StorePayload {
		payload := action.Payload
		if g.Redactor != nil {
			payload = g.Redactor.Redact(payload)
		}
		rec.ActionPayload = payload
	}
	if g.AuditTTL > 0 {
		exp := completedAt.Add(g.AuditTTL)
		rec.ExpiresAt = &exp
	}

	if g.AuditSink != nil {
		if g.ComplianceMode {
			// Spec §4.2 stage 11 / §7: in compliance mode the audit write is
			// synchronous and on the hot path, and its error fails the dispatch.
			if err := g.AuditSink.Write(ctx, rec); err != nil {
				return outcome, fmt.Errorf("compliance audit write failed: %w", err)
			}
		} else {
			g.enqueueAudit(rec)
		}
	}
	if g.Stream != nil {
		data := make(map[string]any, len(rec.OutcomeDetails)+1)
		for k, v := range rec.OutcomeDetails {
			data[k] = v
		}
		data["action_id"] = action.ID
		g.Stream.Publish(ctx, stream.Event{ID: rec.ID, Outcome: rec.Outcome, Data: data})
	}
	return outcome, nil
}

func newUUID() string {
	return uuid.NewString()
}
