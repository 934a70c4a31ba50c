package policy

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// execContext holds the state of a single policy invocation.
type execContext struct {
	input        []byte     // input is the encoded hook invocation
	output       []byte     // output is the status written by the module
	memory       api.Memory // memory is the WASM linear memory
	gasLimit     uint64     // gasLimit is the maximum gas allowed
	gasUsed      uint64     // gasUsed tracks consumed gas
	gasExhausted bool       // gasExhausted is true if the limit was exceeded
}

// invoke instantiates the module and runs its check function.
func (e *Engine) invoke(input []byte) ([]byte, error) {
	ctx := context.Background()

	execCtx := &execContext{
		input:    input,
		gasLimit: e.gasLimit,
	}

	hostModule, err := e.buildHostModule(ctx, execCtx)
	if err != nil {
		return nil, fmt.Errorf("build host module: %w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := e.runtime.InstantiateModule(ctx, e.module, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	defer instance.Close(ctx)

	execCtx.memory = instance.Memory()

	checkFn := instance.ExportedFunction("check")
	if checkFn == nil {
		return nil, fmt.Errorf("check function not exported")
	}

	if _, err := checkFn.Call(ctx); err != nil {
		if execCtx.gasExhausted {
			return nil, ErrGasExhausted
		}

		return nil, fmt.Errorf("check: %w", err)
	}

	return execCtx.output, nil
}

// buildHostModule creates the "env" module with host functions.
func (e *Engine) buildHostModule(ctx context.Context, execCtx *execContext) (api.Module, error) {
	return e.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execCtx, cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(execCtx.input))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostReadInput(execCtx, ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			hostWriteOutput(execCtx, ptr, length)
		}).
		Export("write_output").
		Instantiate(ctx)
}

// hostGas handles gas metering.
// Panics to abort execution when the limit is exceeded.
func hostGas(execCtx *execContext, cost uint32) {
	execCtx.gasUsed += uint64(cost)

	if execCtx.gasUsed > execCtx.gasLimit {
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostReadInput copies the invocation input into module memory at ptr.
func hostReadInput(execCtx *execContext, ptr uint32) {
	if execCtx.memory == nil {
		return
	}

	execCtx.memory.Write(ptr, execCtx.input)
}

// hostWriteOutput copies the module's status bytes out of module memory.
func hostWriteOutput(execCtx *execContext, ptr, length uint32) {
	if execCtx.memory == nil {
		return
	}

	if data, ok := execCtx.memory.Read(ptr, length); ok {
		execCtx.output = make([]byte, len(data))
		copy(execCtx.output, data)
	}
}
