package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/scheduler"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

func TestHandlers_ReturnsOneHandlerPerKind(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	handlers := g.Handlers()
	assert.Contains(t, handlers, state.KindGroup)
	assert.Contains(t, handlers, state.KindPendingApproval)
	assert.Contains(t, handlers, state.KindSchedule)
	assert.Contains(t, handlers, state.KindChain)
	assert.Contains(t, handlers, state.KindRecurringAction)
}

func TestFireScheduled_RedispatchesAndClearsState(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	action := testAction("email")
	raw, err := sjsonMarshal(action)
	require.NoError(t, err)
	key := state.NewKey(action.Scope(), state.KindSchedule, action.ID)
	require.NoError(t, g.Store.Set(context.Background(), key, string(raw), 0))

	err = g.FireScheduled(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls)

	_, ok, err := g.Store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFireScheduled_MissingEntryIsNoOp(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	key := state.NewKey(types.Scope{Namespace: "ns", Tenant: "t1"}, state.KindSchedule, "missing")
	assert.NoError(t, g.FireScheduled(context.Background(), key))
	assert.EqualValues(t, 0, p.calls)
}

func TestExpireApproval_WritesAuditRecordAndClearsState(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, sink := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	action := testAction("email")
	raw, err := sjsonMarshal(action)
	require.NoError(t, err)
	key := state.NewKey(action.Scope(), state.KindPendingApproval, "appr-1")
	require.NoError(t, g.Store.Set(context.Background(), key, string(raw), 0))

	require.NoError(t, g.ExpireApproval(context.Background(), key))

	_, ok, err := g.Store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err := sink.Recent(context.Background(), "ns", "t1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "approval_expired", recent[0].Outcome)
	assert.Equal(t, "appr-1", recent[0].OutcomeDetails["approval_id"])
}

func TestFlushGroup_WritesSummaryAuditRecord(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, sink := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	scope := types.Scope{Namespace: "ns", Tenant: "t1"}
	buf := groupBuffer{ActionIDs: []string{"a1", "a2"}, NotifyAt: time.Now().UnixMilli()}
	raw, err := sjsonMarshal(buf)
	require.NoError(t, err)
	key := groupKey(scope, "grp-1")
	require.NoError(t, g.Store.Set(context.Background(), key, string(raw), 0))

	require.NoError(t, g.FlushGroup(context.Background(), key))

	recent, err := sink.Recent(context.Background(), "ns", "t1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "group_flushed", recent[0].Outcome)
	assert.EqualValues(t, 2, recent[0].OutcomeDetails["group_size"])
}

func TestRegisterRecurringAndFireRecurring_AdvancesToNextOccurrence(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	scope := types.Scope{Namespace: "ns", Tenant: "t1"}
	def := RecurringDefinition{
		CronExpr:   "* * * * *",
		Timezone:   "UTC",
		Provider:   "email",
		ActionType: "send",
	}
	cfg := scheduler.RecurrenceConfig{CronExpr: def.CronExpr, Timezone: def.Timezone, MinIntervalSeconds: 1}
	require.NoError(t, g.RegisterRecurring(context.Background(), scope, "recur-1", def, cfg, 1))

	key := scheduler.RecurringActionKey(scope, "recur-1")
	require.NoError(t, g.FireRecurring(context.Background(), key))
	assert.EqualValues(t, 1, p.calls)

	raw, ok, err := g.Store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	var stored RecurringDefinition
	require.NoError(t, jsonUnmarshal([]byte(raw), &stored))
	assert.EqualValues(t, 1, stored.ExecutionCount)
}

func TestFireRecurring_MissingEntryIsNoOp(t *testing.T) {
	p := &countingProvider{name: "email"}
	g, _ := newTestGateway(t, map[string]*countingProvider{"email": p}, nil)

	key := scheduler.RecurringActionKey(types.Scope{Namespace: "ns", Tenant: "t1"}, "missing")
	assert.NoError(t, g.FireRecurring(context.Background(), key))
	assert.EqualValues(t, 0, p.calls)
}
