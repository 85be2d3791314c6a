package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/actionforge/gateway/core/types"
)

// Runtime wraps a Registry with the bounded worker pool that keeps long
// plugin calls off the cooperative scheduler (spec §5: "CPU-bound
// operations ... are offloaded to a separate blocking thread pool").
type Runtime struct {
	registry *Registry
	workers  chan struct{}
}

// NewRuntime creates a Runtime with maxConcurrent blocking workers.
func NewRuntime(registry *Registry, maxConcurrent int) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Runtime{registry: registry, workers: make(chan struct{}, maxConcurrent)}
}

// Invoke runs plugin.function with input, enforcing the resource bounds
// of spec §4.6. It implements expr.PluginInvoker.
func (rt *Runtime) Invoke(ctx context.Context, pluginName, function string, input any) (types.WasmInvocationResult, error) {
	p, err := rt.registry.lookup(pluginName)
	if err != nil {
		return types.WasmInvocationResult{}, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: pluginName, Cause: err}
	}
	if len(inputJSON) > MaxIOBytes {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: pluginName, Cause: errInputTooLarge}
	}

	select {
	case rt.workers <- struct{}{}:
	case <-ctx.Done():
		return types.WasmInvocationResult{}, ctx.Err()
	}
	defer func() { <-rt.workers }()

	type callResult struct {
		result types.WasmInvocationResult
		err    error
	}
	done := make(chan callResult, 1)
	vm := goja.New()
	vm.SetMaxCallStackSize(MaxCallStackDepth)

	go func() {
		res, err := runOnce(vm, p, function, inputJSON)
		done <- callResult{res, err}
	}()

	timeout := time.Duration(p.cfg.TimeoutMS) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.result, r.err
	case <-timer.C:
		vm.Interrupt("timeout")
		<-done // runOnce returns promptly once interrupted
		return types.WasmInvocationResult{}, &Error{Kind: ErrTimeout, Plugin: pluginName, TimeoutMS: p.cfg.TimeoutMS}
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		<-done
		return types.WasmInvocationResult{}, ctx.Err()
	}
}

// runOnce executes the module's entry point in a single fresh VM
// (per-call isolation: no cross-call state survives).
func runOnce(vm *goja.Runtime, p *compiledPlugin, function string, inputJSON []byte) (types.WasmInvocationResult, error) {
	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			logs = append(logs, a.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if _, err := vm.RunString(deterministicPrelude); err != nil {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: p.cfg.Name, Cause: err}
	}

	var inputVal any
	if err := json.Unmarshal(inputJSON, &inputVal); err != nil {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: p.cfg.Name, Cause: err}
	}
	_ = vm.Set("input", vm.ToValue(inputVal))

	if _, err := vm.RunProgram(p.program); err != nil {
		if interrupted(err) {
			return types.WasmInvocationResult{}, &Error{Kind: ErrTimeout, Plugin: p.cfg.Name, TimeoutMS: p.cfg.TimeoutMS}
		}
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: p.cfg.Name, Cause: err}
	}

	entry, ok := goja.AssertFunction(vm.Get(function))
	if !ok {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: p.cfg.Name, Cause: errNoEntryPoint}
	}

	resultVal, err := entry(goja.Undefined(), vm.Get("input"))
	if err != nil {
		if interrupted(err) {
			return types.WasmInvocationResult{}, &Error{Kind: ErrTimeout, Plugin: p.cfg.Name, TimeoutMS: p.cfg.TimeoutMS}
		}
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvocation, Plugin: p.cfg.Name, Cause: err}
	}

	return decodeResult(p.cfg.Name, resultVal)
}

func interrupted(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// decodeResult interprets the entry point's return value per spec §4.6:
// a bare boolean, or an object shaped like WasmInvocationResult.
func decodeResult(pluginName string, v goja.Value) (types.WasmInvocationResult, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return types.WasmInvocationResult{Verdict: false}, nil
	}
	exported := v.Export()
	if b, ok := exported.(bool); ok {
		return types.WasmInvocationResult{Verdict: b}, nil
	}

	raw, err := json.Marshal(exported)
	if err != nil {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvalidOutput, Plugin: pluginName, Cause: err}
	}
	if len(raw) > MaxIOBytes {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvalidOutput, Plugin: pluginName, Cause: errOutputTooLarge}
	}

	var shaped struct {
		Verdict  bool           `json:"verdict"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return types.WasmInvocationResult{}, &Error{Kind: ErrInvalidOutput, Plugin: pluginName, Cause: fmt.Errorf("output is not a WasmInvocationResult shape: %w", err)}
	}
	return types.WasmInvocationResult{Verdict: shaped.Verdict, Message: shaped.Message, Metadata: shaped.Metadata}, nil
}
