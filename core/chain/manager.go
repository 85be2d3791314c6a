package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/actionforge/gateway/core/lock"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// DispatchFunc executes a chain step's synthetic action and returns the
// step's output body on success. The Gateway's implementation
// (dispatchChainStep in core/dispatch) calls the step's provider
// directly; rule evaluation and the other pipeline stages do not run for
// a step.
type DispatchFunc func(ctx context.Context, scope types.Scope, providerName, actionType string, payload map[string]any) (map[string]any, error)

// DeadLetterFunc hands a failed step's synthetic action to the DLQ
// (spec §4.5 step 6, on_failure = dlq).
type DeadLetterFunc func(ctx context.Context, scope types.Scope, chainID, stepName string, payload map[string]any, cause error)

// Manager owns chain Definitions and advances Running chains one due
// step at a time, each advance serialized by the chain's lock (spec
// §4.7 "Every mutation that spans more than one key ... is serialized by
// a lock ... e.g. chain:{chain_id}").
type Manager struct {
	store       state.Store
	locks       lock.Lock
	defs        map[string]*Definition
	completedTTL time.Duration
	lockTTL     time.Duration
}

func NewManager(store state.Store, locks lock.Lock, completedTTL time.Duration) *Manager {
	return &Manager{store: store, locks: locks, defs: make(map[string]*Definition), completedTTL: completedTTL, lockTTL: 10 * time.Second}
}

// Register validates and installs a chain Definition; invalid
// definitions are rejected at build time (spec §9).
func (m *Manager) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.defs[def.Name] = def
	return nil
}

func stateKey(scope types.Scope, chainID string) state.Key {
	return state.NewKey(scope, state.KindChain, chainID)
}

// Start persists a new Running chain state and indexes its first step
// (spec §4.2 stage 6).
func (m *Manager) Start(ctx context.Context, scope types.Scope, chainID, chainName string) (State, error) {
	def, ok := m.defs[chainName]
	if !ok {
		return State{}, fmt.Errorf("chain: unknown chain %q", chainName)
	}
	st := NewState(chainID, chainName, time.Duration(def.TimeoutSeconds)*time.Second)
	if err := m.save(ctx, scope, st); err != nil {
		return State{}, err
	}
	fireAt := time.Now()
	if len(def.Steps) > 0 {
		fireAt = fireAt.Add(time.Duration(def.Steps[0].DelaySeconds) * time.Second)
	}
	if err := m.store.IndexTimeout(ctx, stateKey(scope, chainID), fireAt.UnixMilli()); err != nil {
		return State{}, err
	}
	return st, nil
}

// Advance runs one due step for chainID (spec §4.5 "Advancement
// protocol").
func (m *Manager) Advance(ctx context.Context, scope types.Scope, chainID string, dispatch DispatchFunc, deadLetter DeadLetterFunc) error {
	lockName := "chain:" + chainID
	token, err := m.locks.TryAcquire(ctx, lockName, m.lockTTL)
	if err != nil {
		return err
	}
	defer m.locks.Release(ctx, lockName, token)

	st, err := m.load(ctx, scope, chainID)
	if err != nil {
		return err
	}
	if st.Status != StatusRunning {
		return nil
	}
	def, ok := m.defs[st.ChainName]
	if !ok {
		return fmt.Errorf("chain: unknown chain %q", st.ChainName)
	}

	if time.Now().After(st.DeadlineAt) {
		return m.failWithReason(ctx, scope, st, ErrChainTimedOut)
	}
	if st.CurrentStepIndex >= len(def.Steps) {
		return m.finish(ctx, scope, st, StatusCompleted)
	}

	step := def.Steps[st.CurrentStepIndex]
	payload := BuildStepAction(step.PayloadTemplate, st.StepOutputs)

	body, dispatchErr := dispatch(ctx, scope, step.Provider, step.ActionType, payload)
	if dispatchErr != nil {
		return m.handleFailure(ctx, scope, st, def, step, payload, dispatchErr, deadLetter)
	}

	output := StepOutput{Success: true, Body: body}
	st.ExecutionPath = append(st.ExecutionPath, step.Name)
	st.StepOutputs[step.Name] = output

	nextName, hasNext := NextStep(def, step, output)
	if !hasNext {
		return m.finish(ctx, scope, st, StatusCompleted)
	}
	nextIdx, ok := def.StepIndex(nextName)
	if !ok {
		return m.finish(ctx, scope, st, StatusFailed)
	}
	st.CurrentStepIndex = nextIdx
	st.UpdatedAt = time.Now()
	if err := m.save(ctx, scope, st); err != nil {
		return err
	}
	fireAt := time.Now().Add(time.Duration(def.Steps[nextIdx].DelaySeconds) * time.Second)
	return m.store.IndexTimeout(ctx, stateKey(scope, chainID), fireAt.UnixMilli())
}

func (m *Manager) handleFailure(ctx context.Context, scope types.Scope, st State, def *Definition, step Step, payload map[string]any, cause error, deadLetter DeadLetterFunc) error {
	switch step.OnFailure {
	case OnFailureSkip:
		st.ExecutionPath = append(st.ExecutionPath, step.Name)
		st.StepOutputs[step.Name] = StepOutput{Success: false, Reason: cause.Error()}
		nextName, hasNext := NextStep(def, step, st.StepOutputs[step.Name])
		if !hasNext {
			return m.finish(ctx, scope, st, StatusCompleted)
		}
		nextIdx, ok := def.StepIndex(nextName)
		if !ok {
			return m.finish(ctx, scope, st, StatusFailed)
		}
		st.CurrentStepIndex = nextIdx
		st.UpdatedAt = time.Now()
		if err := m.save(ctx, scope, st); err != nil {
			return err
		}
		return m.store.IndexTimeout(ctx, stateKey(scope, st.ChainID), time.Now().UnixMilli())
	case OnFailureDLQ:
		if deadLetter != nil {
			deadLetter(ctx, scope, st.ChainID, step.Name, payload, cause)
		}
		return m.finish(ctx, scope, st, StatusFailed)
	default: // OnFailureAbort
		return m.finish(ctx, scope, st, StatusFailed)
	}
}

// failWithReason records why a chain terminated as Failed. Currently
// the only distinguished cause is the outer deadline elapsing (spec
// §4.5 step 7: "yield Failed with reason ChainTimedOut"); on_failure
// abort/dlq leave FailureReason empty.
func (m *Manager) failWithReason(ctx context.Context, scope types.Scope, st State, cause error) error {
	if errors.Is(cause, ErrChainTimedOut) {
		st.FailureReason = ReasonChainTimedOut
	}
	return m.finish(ctx, scope, st, StatusFailed)
}

func (m *Manager) finish(ctx context.Context, scope types.Scope, st State, status Status) error {
	now := time.Now()
	st.Status = status
	st.TerminalAt = &now
	st.UpdatedAt = now
	if err := m.save(ctx, scope, st); err != nil {
		return err
	}
	if err := m.store.RemoveTimeoutIndex(ctx, stateKey(scope, st.ChainID)); err != nil {
		return err
	}
	// Re-set with the completed TTL so a terminal record expires instead
	// of living forever (spec §3 "explicit terminal -> expiry transitions").
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, stateKey(scope, st.ChainID), string(raw), m.completedTTL)
}

// Cancel implements the external cancel operation (spec §4.5 "Cancel").
func (m *Manager) Cancel(ctx context.Context, scope types.Scope, chainID string, onCancel DispatchFunc) error {
	lockName := "chain:" + chainID
	token, err := m.locks.TryAcquire(ctx, lockName, m.lockTTL)
	if err != nil {
		return err
	}
	defer m.locks.Release(ctx, lockName, token)

	st, err := m.load(ctx, scope, chainID)
	if err != nil {
		return err
	}
	def := m.defs[st.ChainName]
	if err := m.finish(ctx, scope, st, StatusCancelled); err != nil {
		return err
	}
	if def != nil && def.OnCancel != "" && onCancel != nil {
		_, _ = onCancel(ctx, scope, "", def.OnCancel, map[string]any{"chain_id": chainID})
	}
	return nil
}

func (m *Manager) load(ctx context.Context, scope types.Scope, chainID string) (State, error) {
	raw, ok, err := m.store.Get(ctx, stateKey(scope, chainID))
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, state.ErrNotFound
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (m *Manager) save(ctx context.Context, scope types.Scope, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, stateKey(scope, st.ChainID), string(raw), 0)
}
