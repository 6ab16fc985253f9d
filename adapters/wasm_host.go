package adapters

import (
	"fmt"

	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// ExecutionResult is what WASMHost.Execute returns: the raw artifact bytes
// a method call produced, the root hash the caller expects storage to
// reach after applying them, and any application events to gossip
// alongside the resulting delta (spec §4.11 "execute(context, method,
// args) -> (artifact_bytes, expected_root_hash, emitted_events)").
type ExecutionResult struct {
	Artifact         []byte
	ExpectedRootHash [32]byte
	Events           [][]byte
}

// WASMHost executes one application method call against a context's
// governing WASM module (spec §4.11 "WASM host"). No sandboxing beyond
// what wasmer-go's own store/engine isolation provides — resource limits,
// syscall interception, and gas metering are out of scope (spec's
// Non-goals: this system assumes already-trusted application code).
type WASMHost interface {
	Execute(contextID ids.ID, manifest Manifest, method string, args []byte) (ExecutionResult, error)
}

// fastPathMethods maps a method name directly to a pure-CRDT action list,
// letting common mutations (counter increments, set add/remove) skip WASM
// entirely (spec §6 "capability fast path", supplementing the distilled
// spec: original_source's runtime dispatches "core" methods this way
// before ever invoking the WASM engine). A CapabilitySynth is registered
// per method name a deployment wants fast-pathed; anything unregistered
// falls through to the real WASM host.
type CapabilitySynth func(args []byte) ([]dag.Action, error)

// WasmerHost is the default WASMHost, grounded on
// orbas1-Synnergy/synnergy-network's HeavyVM.Execute: one wasmer.Store per
// call, the module compiled fresh each time (no cross-call instance
// cache — application code here is short-lived delta computation, not a
// long-running contract VM), invoking an export named by method and
// reading its single result as the artifact.
type WasmerHost struct {
	engine    *wasmer.Engine
	fastPaths map[string]CapabilitySynth
}

// NewWasmerHost creates a WasmerHost. fastPaths may be nil; entries in it
// bypass WASM entirely for the named method (spec §6 capability fast
// path).
func NewWasmerHost(fastPaths map[string]CapabilitySynth) *WasmerHost {
	if fastPaths == nil {
		fastPaths = make(map[string]CapabilitySynth)
	}
	return &WasmerHost{engine: wasmer.NewEngine(), fastPaths: fastPaths}
}

var _ WASMHost = (*WasmerHost)(nil)

// Execute runs method against manifest.WASMModule, or takes the
// registered fast path when one exists for method.
func (h *WasmerHost) Execute(contextID ids.ID, manifest Manifest, method string, args []byte) (ExecutionResult, error) {
	if synth, ok := h.fastPaths[method]; ok {
		actions, err := synth(args)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("adapters: fast-path method %q: %w", method, err)
		}
		artifact, err := encodeFastPathArtifact(actions)
		if err != nil {
			return ExecutionResult{}, err
		}
		return ExecutionResult{Artifact: artifact}, nil
	}

	store := wasmer.NewStore(h.engine)
	mod, err := wasmer.NewModule(store, manifest.WASMModule)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("adapters: compile module for context %s: %w", contextID.Hex(), err)
	}

	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("adapters: instantiate module: %w", err)
	}

	fn, err := instance.Exports.GetFunction(method)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("adapters: module has no export %q: %w", method, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("adapters: module has no memory export: %w", err)
	}
	argsPtr := writeToGuestMemory(mem, args)

	result, err := fn(argsPtr, int32(len(args)))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("adapters: execute %q: %w", method, err)
	}

	resultPtr, ok := result.(int32)
	if !ok {
		return ExecutionResult{}, fmt.Errorf("adapters: %q did not return a memory pointer", method)
	}
	artifact := readGuestResult(mem, resultPtr)
	return ExecutionResult{Artifact: artifact}, nil
}

// writeToGuestMemory copies args into the start of the instance's linear
// memory. Real application modules would export their own allocator;
// this thin host assumes single-call, single-tenant memory layout since
// each Execute gets a fresh store and instance.
func writeToGuestMemory(mem *wasmer.Memory, args []byte) int32 {
	data := mem.Data()
	copy(data, args)
	return 0
}

// readGuestResult reads a length-prefixed artifact back out of linear
// memory starting at ptr.
func readGuestResult(mem *wasmer.Memory, ptr int32) []byte {
	data := mem.Data()
	if int(ptr)+4 > len(data) {
		return nil
	}
	n := int(data[ptr]) | int(data[ptr+1])<<8 | int(data[ptr+2])<<16 | int(data[ptr+3])<<24
	start := int(ptr) + 4
	if start+n > len(data) || n < 0 {
		return nil
	}
	return append([]byte(nil), data[start:start+n]...)
}

// encodeFastPathArtifact reuses the same action-list wire encoding gossip
// ships over the network for an ordinary delta's artifact, so a
// fast-pathed method's output is indistinguishable downstream from one
// WASM produced.
func encodeFastPathArtifact(actions []dag.Action) ([]byte, error) {
	return wire.EncodeActions(actions)
}
