package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/chain"
	"github.com/actionforge/gateway/core/resourcelookup"
	"github.com/actionforge/gateway/core/types"
)

func TestMergeAt_EmptyPathMergesTopLevel(t *testing.T) {
	out := mergeAt(map[string]any{"a": 1}, "", map[string]any{"b": 2})
	assert.Equal(t, 1, out["a"].(int))
	_ = out
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
}

func TestMergeAt_DottedPathNestsValue(t *testing.T) {
	out := mergeAt(map[string]any{"to": "x"}, "customer", map[string]any{"tier": "gold"})
	customer, ok := out["customer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gold", customer["tier"])
	assert.Equal(t, "x", out["to"])
}

type stubLookup struct {
	result map[string]any
	err    error
}

func (s stubLookup) Lookup(ctx context.Context, resourceType string, params map[string]any) (map[string]any, error) {
	return s.result, s.err
}

func TestEnrich_MergesLookupResultAtConfiguredPath(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	g.Lookups = resourcelookup.NewRegistry()
	g.Lookups.Register("crm", stubLookup{result: map[string]any{"tier": "gold"}})
	g.Enrichments = map[string][]EnrichmentConfig{
		"send": {{LookupProvider: "crm", ResourceType: "customer", MergeAt: "customer"}},
	}

	action := testAction("email")
	require.NoError(t, g.enrich(context.Background(), &action))

	customer, ok := action.Payload["customer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gold", customer["tier"])
}

func TestEnrich_OptionalFailureIsSkipped(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	g.Lookups = resourcelookup.NewRegistry()
	g.Enrichments = map[string][]EnrichmentConfig{
		"send": {{LookupProvider: "missing", ResourceType: "customer", Required: false}},
	}

	action := testAction("email")
	assert.NoError(t, g.enrich(context.Background(), &action))
}

func TestEnrich_RequiredFailureAborts(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	g.Lookups = resourcelookup.NewRegistry()
	g.Enrichments = map[string][]EnrichmentConfig{
		"send": {{LookupProvider: "missing", ResourceType: "customer", Required: true}},
	}

	action := testAction("email")
	assert.Error(t, g.enrich(context.Background(), &action))
}

func TestCheckDedup_FirstWriteSucceedsSecondIsDuplicate(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	scope := types.Scope{Namespace: "ns", Tenant: "t1"}

	dup, err := g.checkDedup(context.Background(), scope, "key1", 0)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = g.checkDedup(context.Background(), scope, "key1", 0)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestStartApproval_PersistsAndReturnsPendingApproval(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	action := testAction("email")
	verdict := types.Verdict{Kind: types.VerdictApprove, ApprovalTimeoutSeconds: 60}
	outcome, err := g.startApproval(context.Background(), action, action.CreatedAt, verdict)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePendingApproval, outcome.Category)
	assert.NotEmpty(t, outcome.ApprovalID)
}

func TestStartSchedule_PersistsAndReturnsScheduled(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	action := testAction("email")
	verdict := types.Verdict{Kind: types.VerdictSchedule, ScheduleForSeconds: 30}
	outcome, err := g.startSchedule(context.Background(), action, action.CreatedAt, verdict)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeScheduled, outcome.Category)
	assert.NotEmpty(t, outcome.ScheduledActionID)
}

func TestStartGroup_AccumulatesActionIDsAcrossCalls(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	verdict := types.Verdict{Kind: types.VerdictGroup, GroupKey: "grp-1", GroupWindowSeconds: 60}

	a1 := testAction("email")
	a1.ID = "action-1"
	outcome, err := g.startGroup(context.Background(), a1, a1.CreatedAt, verdict)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGrouped, outcome.Category)
	assert.Equal(t, 1, outcome.GroupSize)

	a2 := testAction("email")
	a2.ID = "action-2"
	outcome, err = g.startGroup(context.Background(), a2, a2.CreatedAt, verdict)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.GroupSize)
}

func TestStartChain_CreatesChainStateAndReturnsChainStarted(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)
	g.Chains = chain.NewManager(g.Store, g.Locks, time.Hour)
	def := &chain.Definition{Name: "onboard", Steps: []chain.Step{{Name: "welcome", Provider: "email", ActionType: "send"}}}
	require.NoError(t, g.Chains.Register(def))

	action := testAction("email")
	verdict := types.Verdict{Kind: types.VerdictChain, ChainName: "onboard"}
	outcome, err := g.startChain(context.Background(), action, action.CreatedAt, verdict)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeChainStarted, outcome.Category)
	assert.NotEmpty(t, outcome.ChainID)
	assert.Equal(t, "onboard", outcome.ChainName)
}
