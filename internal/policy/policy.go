// Package policy implements registry hooks backed by an operator-supplied
// WASM module. The surrounding system injects bookkeeping or extra checks
// without modifying the registry; with no module configured the registry
// keeps its no-op hooks.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"

	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/registry"
)

// Hook operation codes passed to the policy module.
const (
	opBeforeRegister uint8 = 1
	opAfterRegister  uint8 = 2
	opBeforeRemove   uint8 = 3
	opAfterRemove    uint8 = 4
)

var (
	// ErrDenied is returned when the policy module vetoes a mutation.
	ErrDenied = errors.New("denied by policy module")

	// ErrGasExhausted is returned when a policy invocation runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// Engine runs a compiled WASM policy module. It implements registry.Hooks.
// The module must export a "check" function that reads its input via the
// host functions and writes a single status byte; any nonzero status
// vetoes the mutation.
type Engine struct {
	runtime  wazero.Runtime
	module   wazero.CompiledModule
	id       [32]byte // id is the blake3 hash of the module bytes
	gasLimit uint64
	mu       sync.Mutex // invocations are serialized
}

// New compiles a policy module. gasLimit bounds each hook invocation;
// it only applies to modules instrumented with gas metering calls.
func New(wasmBytes []byte, gasLimit uint64) (*Engine, error) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compile policy module: %w", err)
	}

	e := &Engine{
		runtime:  runtime,
		module:   compiled,
		id:       blake3.Sum256(wasmBytes),
		gasLimit: gasLimit,
	}

	logger.Info("policy module loaded", "id", fmt.Sprintf("%x", e.id[:8]))

	return e, nil
}

// ID returns the blake3 hash of the loaded module.
func (e *Engine) ID() [32]byte {
	return e.id
}

// Close releases the runtime.
func (e *Engine) Close() error {
	return e.runtime.Close(context.Background())
}

// BeforeRegister asks the module whether a registration may proceed.
func (e *Engine) BeforeRegister(identity registry.Identity, quorums []registry.QuorumID) error {
	return e.check(opBeforeRegister, identity, quorums)
}

// AfterRegister notifies the module of a completed registration.
// Failures here are logged, never surfaced: the mutation already happened.
func (e *Engine) AfterRegister(identity registry.Identity, quorums []registry.QuorumID) {
	if err := e.check(opAfterRegister, identity, quorums); err != nil {
		logger.Warn("policy after-register hook failed", "error", err)
	}
}

// BeforeRemove asks the module whether a deregistration may proceed.
func (e *Engine) BeforeRemove(identity registry.Identity, quorums []registry.QuorumID) error {
	return e.check(opBeforeRemove, identity, quorums)
}

// AfterRemove notifies the module of a completed deregistration.
func (e *Engine) AfterRemove(identity registry.Identity, quorums []registry.QuorumID) {
	if err := e.check(opAfterRemove, identity, quorums); err != nil {
		logger.Warn("policy after-remove hook failed", "error", err)
	}
}

// check invokes the module's check function with the encoded hook input.
func (e *Engine) check(op uint8, identity registry.Identity, quorums []registry.QuorumID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	output, err := e.invoke(encodeInput(op, identity, quorums))
	if err != nil {
		return fmt.Errorf("policy check: %w", err)
	}

	if len(output) > 0 && output[0] != 0 {
		return fmt.Errorf("%w: status %d", ErrDenied, output[0])
	}

	return nil
}

// encodeInput serializes a hook invocation for the module.
// Format: u8 op + [u8; 32] identity + quorum bytes.
func encodeInput(op uint8, identity registry.Identity, quorums []registry.QuorumID) []byte {
	buf := make([]byte, 0, 1+len(identity)+len(quorums))
	buf = append(buf, op)
	buf = append(buf, identity[:]...)

	for _, q := range quorums {
		buf = append(buf, byte(q))
	}

	return buf
}
