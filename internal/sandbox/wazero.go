package sandbox

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostFunction is a single host-side function exposed to a guest module. It
// receives the single string argument the guest passed and returns the
// single string result handed back across the boundary. Host functions that
// need to do async work (HTTP fetches, VM operations) return an immediate
// acknowledgement here and deliver their real result later through the
// agent's inbox, not through this call.
type HostFunction func(ctx context.Context, arg string) (string, error)

// WazeroLoader loads guest modules compiled to WebAssembly and runs them on
// an embedded wazero runtime, one module instance per agent.
type WazeroLoader struct {
	runtime    wazero.Runtime
	hostFuncs  map[string]HostFunction
	moduleName string
}

// NewWazeroLoader constructs a loader sharing a single wazero runtime across
// every agent it loads. hostFuncs are exposed to every loaded module under
// moduleName (the guest imports them by that module name).
func NewWazeroLoader(ctx context.Context, moduleName string, hostFuncs map[string]HostFunction) (*WazeroLoader, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	builder := rt.NewHostModuleBuilder(moduleName)
	for name, fn := range hostFuncs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFuncShim(fn), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
			Export(name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("build host module %q: %w", moduleName, err)
	}

	return &WazeroLoader{runtime: rt, hostFuncs: hostFuncs, moduleName: moduleName}, nil
}

// Close tears down the shared runtime. Call once, after every loaded Handle
// has been closed.
func (l *WazeroLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// Load reads the compiled guest module at modulePath and instantiates it
// against the loader's runtime.
func (l *WazeroLoader) Load(ctx context.Context, modulePath string) (Handle, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read guest module %s: %w", modulePath, err)
	}

	config := wazero.NewModuleConfig().WithStdout(os.Stdout).WithStderr(os.Stderr)
	mod, err := l.runtime.InstantiateWithConfig(ctx, wasmBytes, config)
	if err != nil {
		return nil, fmt.Errorf("instantiate guest module %s: %w", modulePath, err)
	}

	return &wazeroHandle{mod: mod}, nil
}

// hostFuncShim adapts a HostFunction to wazero's raw api.GoModuleFunction
// calling convention: the guest passes its argument as a (ptr, len) pair
// into its own linear memory, and the shim packs the host's string result
// into a guest-allocated buffer, returning (ptr<<32 | len).
func hostFuncShim(fn HostFunction) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		argPtr := uint32(stack[0])
		argLen := uint32(stack[1])

		arg, ok := mod.Memory().Read(argPtr, argLen)
		if !ok {
			stack[0] = 0
			return
		}

		result, err := fn(ctx, string(arg))
		if err != nil {
			result = fmt.Sprintf("Error: %v", err)
		}

		stack[0] = writeGuestString(ctx, mod, result)
	}
}

// writeGuestString allocates len(s) bytes inside the guest's linear memory
// via its exported "alloc" function, copies s into it, and returns the
// (ptr<<32 | len) encoding used at every string-returning boundary.
func writeGuestString(ctx context.Context, mod api.Module, s string) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if len(s) > 0 {
		mod.Memory().Write(ptr, []byte(s))
	}
	return uint64(ptr)<<32 | uint64(len(s))
}

type wazeroHandle struct {
	mod api.Module
}

func (h *wazeroHandle) Call(ctx context.Context, functionName string, arg string) (string, error) {
	fn := h.mod.ExportedFunction(functionName)
	if fn == nil {
		return "", fmt.Errorf("%w: %s", ErrFunctionNotFound, functionName)
	}

	argPtr := writeGuestString(ctx, h.mod, arg)
	results, err := fn.Call(ctx, uint64(argPtr>>32), uint64(uint32(argPtr)))
	if err != nil {
		return "", fmt.Errorf("call %s: %w", functionName, err)
	}
	if len(results) == 0 {
		return "", nil
	}

	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	out, ok := h.mod.Memory().Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("call %s: result pointer out of bounds", functionName)
	}
	return string(out), nil
}

func (h *wazeroHandle) Close(ctx context.Context) error {
	return h.mod.Close(ctx)
}
