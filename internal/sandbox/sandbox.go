// Package sandbox provides the pure-compute execution boundary agents run
// their guest code in: a loaded module exposing named functions that take and
// return strings.
package sandbox

import (
	"context"
	"errors"
)

// ErrFunctionNotFound is returned by Call when the guest module does not
// export the requested function.
var ErrFunctionNotFound = errors.New("guest function not found")

// Handle is the pure-compute execution boundary for one agent's guest
// module. Every guest entrypoint (GetName, GetDescription, GetParams,
// GetMCPTool, Run, and agent-declared callback names) takes a single string
// argument and returns a single string; the module is responsible for its
// own JSON encoding of richer values.
type Handle interface {
	// Call invokes functionName with arg and returns its string result.
	Call(ctx context.Context, functionName string, arg string) (string, error)
	// Close releases the underlying runtime instance.
	Close(ctx context.Context) error
}

// Loader instantiates a Handle from a compiled guest module on disk.
type Loader interface {
	Load(ctx context.Context, modulePath string) (Handle, error)
}
