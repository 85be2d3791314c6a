package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/audit"
	"github.com/actionforge/gateway/core/breaker"
	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/expr"
	"github.com/actionforge/gateway/core/lock"
	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/quota"
	"github.com/actionforge/gateway/core/rules"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/stream"
	"github.com/actionforge/gateway/core/types"
)

// countingProvider records every call it receives and always succeeds,
// unless configured to fail.
type countingProvider struct {
	name    string
	calls   int32
	failing bool
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Execute(ctx context.Context, action types.Action) (provider.Response, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.failing {
		return provider.Response{}, &provider.Error{Kind: provider.ErrTransient, Provider: p.name, Message: "down"}
	}
	return provider.Response{Status: provider.StatusSuccess, Body: map[string]any{"ok": true}}, nil
}

func (p *countingProvider) HealthCheck(ctx context.Context) error {
	if p.failing {
		return assert.AnError
	}
	return nil
}

func fieldEq(name, value string) expr.Expr {
	return expr.Binary{
		Op:    expr.OpEq,
		Left:  expr.Field{Target: expr.Ident{Name: "action"}, Name: name},
		Right: expr.StringLit{Value: value},
	}
}

func newTestGateway(t *testing.T, providers map[string]*countingProvider, ruleSet []rules.Rule) (*Gateway, *audit.MemorySink) {
	t.Helper()
	set, err := rules.NewSet(ruleSet)
	require.NoError(t, err)
	engine := rules.NewEngine(set, nil, nil, nil, nil)

	ps := make(map[string]provider.Provider, len(providers))
	for name, p := range providers {
		ps[name] = p
	}

	auditSink := audit.NewMemorySink()
	return &Gateway{
		Rules:           engine,
		Store:           state.NewMemoryBackend(0),
		Locks:           lock.NewMemoryLock(),
		Executor:        executor.New(executor.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil),
		Providers:       ps,
		AuditSink:       auditSink,
		Stream:          stream.NewBroadcaster(),
		DefaultDedupTTL: time.Minute,
	}, auditSink
}

func testAction(provider string) types.Action {
	return types.Action{
		ID:         "a1",
		Namespace:  "ns",
		Tenant:     "t1",
		Provider:   provider,
		ActionType: "send",
		Payload:    map[string]any{"to": "x"},
	}
}

// spec §8 scenario 1: a plain action with no matching rule is Allowed
// and Executed by the configured provider exactly once.
func TestDispatch_SimpleAllowExecutes(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, sink := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	outcome, err := g.Dispatch(context.Background(), testAction("email"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeExecuted, outcome.Category)
	assert.EqualValues(t, 1, p.calls)

	// Outside compliance mode the audit write is queued to async workers.
	var recent []audit.Record
	require.Eventually(t, func() bool {
		recent, err = sink.Recent(context.Background(), "ns", "t1", 10)
		return err == nil && len(recent) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "executed", recent[0].Outcome)
}

// spec §8 scenario 2: two rules match the same action; the
// higher-priority (lower Priority number) one wins and the action is
// Suppressed without reaching the provider.
func TestDispatch_PriorityWinsAndSuppresses(t *testing.T) {
	p := &countingProvider{name: "email"}
	ruleSet := []rules.Rule{
		{Name: "low-priority-deny", Priority: 10, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionDeny}},
		{Name: "high-priority-suppress", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionSuppress}},
	}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, ruleSet)

	outcome, err := g.Dispatch(context.Background(), testAction("email"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuppressed, outcome.Category)
	assert.Equal(t, "high-priority-suppress", outcome.SuppressedByRule)
	assert.EqualValues(t, 0, p.calls)
}

// spec §8 scenario 3: two concurrent dispatches sharing a dedup key
// result in exactly one Executed and one Deduplicated.
func TestDispatch_DedupSingleFlight(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	var wg sync.WaitGroup
	results := make([]types.OutcomeCategory, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := testAction("email")
			a.ID = "dup-" + string(rune('a'+i))
			a.DedupKey = "same-key"
			outcome, err := g.Dispatch(context.Background(), a)
			require.NoError(t, err)
			results[i] = outcome.Category
		}(i)
	}
	wg.Wait()

	var executed, deduped int
	for _, r := range results {
		switch r {
		case types.OutcomeExecuted:
			executed++
		case types.OutcomeDeduplicated:
			deduped++
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, deduped)
	assert.EqualValues(t, 1, p.calls)
}

// spec §8 scenario 4: Throttle{max:2,window} allows the first two calls
// through and throttles the third.
func TestDispatch_ThrottleWindowBoundary(t *testing.T) {
	p := &countingProvider{name: "email"}
	ruleSet := []rules.Rule{
		{Name: "throttle-rule", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{
			Kind: types.ActionThrottle, MaxCount: 2, WindowSeconds: 10,
		}},
	}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, ruleSet)

	for i := 0; i < 2; i++ {
		a := testAction("email")
		a.ID = "t-" + string(rune('a'+i))
		outcome, err := g.Dispatch(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeExecuted, outcome.Category)
	}

	a := testAction("email")
	a.ID = "t-3"
	outcome, err := g.Dispatch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeThrottled, outcome.Category)
	assert.LessOrEqual(t, outcome.RetryAfterSeconds, int64(10))
	assert.EqualValues(t, 2, p.calls)
}

// spec §8 scenario 5: once the primary provider's breaker is open, a
// configured fallback provider takes over and the outcome is reported
// as Rerouted (or CircuitOpen if no healthy fallback exists).
func TestDispatch_CircuitOpenReroutesToFallback(t *testing.T) {
	primary := &countingProvider{name: "a", failing: true}
	fallback := &countingProvider{name: "b"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"a": primary, "b": fallback}, nil)
	g.Breakers = breaker.NewRegistry(state.NewMemoryBackend(0), lock.NewMemoryLock(), map[string]breaker.Config{
		"a": {FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour, FallbackProvider: "b"},
	})
	require.NoError(t, g.Breakers.Validate())

	// First dispatch against the failing primary trips the breaker.
	outcome, err := g.Dispatch(context.Background(), testAction("a"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome.Category)

	// Second dispatch finds the breaker open and reroutes to the
	// healthy fallback, succeeding.
	a2 := testAction("a")
	a2.ID = "a2"
	outcome, err = g.Dispatch(context.Background(), a2)
	require.NoError(t, err)
	if outcome.Category == types.OutcomeRerouted {
		assert.Equal(t, "a", outcome.OriginalProvider)
		assert.Equal(t, "b", outcome.NewProvider)
	} else {
		assert.Equal(t, types.OutcomeCircuitOpen, outcome.Category)
	}
	assert.EqualValues(t, 1, fallback.calls)
}

// spec §8 scenario 5 variant: no healthy fallback configured, breaker
// open reports CircuitOpen.
func TestDispatch_CircuitOpenNoFallback(t *testing.T) {
	primary := &countingProvider{name: "a", failing: true}
	g, _ := newTestGateway(t, map[string]*countingProvider{"a": primary}, nil)
	g.Breakers = breaker.NewRegistry(state.NewMemoryBackend(0), lock.NewMemoryLock(), map[string]breaker.Config{
		"a": {FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour},
	})
	require.NoError(t, g.Breakers.Validate())

	_, err := g.Dispatch(context.Background(), testAction("a"))
	require.NoError(t, err)

	outcome, err := g.Dispatch(context.Background(), testAction("a"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCircuitOpen, outcome.Category)
	assert.Equal(t, "a", outcome.CircuitProvider)
}

// An explicit Reroute verdict is also reported as Rerouted on success,
// independent of the circuit breaker.
func TestDispatch_ExplicitRerouteVerdict(t *testing.T) {
	p := &countingProvider{name: "b"}
	ruleSet := []rules.Rule{
		{Name: "reroute-rule", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{
			Kind: types.ActionReroute, TargetProvider: "b",
		}},
	}
	g, _ := newTestGateway(t, map[string]*countingProvider{"b": p}, ruleSet)

	outcome, err := g.Dispatch(context.Background(), testAction("a"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRerouted, outcome.Category)
	assert.Equal(t, "a", outcome.OriginalProvider)
	assert.Equal(t, "b", outcome.NewProvider)
	assert.EqualValues(t, 1, p.calls)
}

func TestDispatch_QuotaDegradeSubstitutesProviderAndReroutes(t *testing.T) {
	primary := &countingProvider{name: "a"}
	backup := &countingProvider{name: "backup"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"a": primary, "backup": backup}, nil)
	g.Quota = quota.NewChecker(g.Store)
	g.QuotaPolicies = map[string]quota.Policy{
		"send": {ID: "p1", MaxActions: 0, Window: time.Minute, OverageBehavior: quota.OverageDegrade, FallbackProvider: "backup"},
	}

	outcome, err := g.Dispatch(context.Background(), testAction("a"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRerouted, outcome.Category)
	assert.Equal(t, "backup", outcome.NewProvider)
	assert.EqualValues(t, 0, primary.calls)
	assert.EqualValues(t, 1, backup.calls)
}

// failingAuditSink always errors, to exercise the ComplianceMode branch
// of Gateway.finish (spec §4.2 stage 11 / §7 "in compliance mode they
// make the dispatch itself fail").
type failingAuditSink struct{ writes int32 }

func (s *failingAuditSink) Write(context.Context, audit.Record) error {
	atomic.AddInt32(&s.writes, 1)
	return assert.AnError
}

// In compliance mode, a synchronous audit-write failure fails the
// dispatch even though the pipeline stages themselves succeeded.
func TestDispatch_ComplianceModePropagatesAuditWriteError(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	sink := &failingAuditSink{}
	g.AuditSink = sink
	g.ComplianceMode = true

	outcome, err := g.Dispatch(context.Background(), testAction("email"))
	require.Error(t, err)
	assert.Equal(t, types.OutcomeExecuted, outcome.Category)
	assert.EqualValues(t, 1, sink.writes)
}

// Outside compliance mode, an audit-write failure is logged and
// dropped: Dispatch still reports its outcome without error, and the
// write happens off the hot path via the bounded async tracker pool.
func TestDispatch_NonComplianceModeSwallowsAuditWriteError(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	sink := &failingAuditSink{}
	g.AuditSink = sink

	outcome, err := g.Dispatch(context.Background(), testAction("email"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeExecuted, outcome.Category)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&sink.writes) == 1
	}, time.Second, time.Millisecond)
}
