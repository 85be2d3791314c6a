package types

// WasmInvocationResult is the decoded result of a sandboxed plugin call
// (spec §4.1, §4.6): a verdict boolean, an optional message, and metadata
// a Modify action can apply as a JSON patch.
type WasmInvocationResult struct {
	Verdict  bool
	Message  string
	Metadata map[string]any
}
