//go:build !(linux && amd64)

package jit

import (
	"fmt"

	"rvsim/internal/rv64"
)

// noCodegen is used on hosts the native code generator does not target.
// Every block compile attempt fails, which leaves the block permanently in
// StatusCompiling (DESIGN.md: "a legitimate degenerate case on unsupported
// hosts") and therefore permanently interpreted; architectural results are
// identical to the compiled path, only slower.
type noCodegen struct{}

func newCodeGenerator() codeGenerator { return noCodegen{} }

func (noCodegen) compile(*rv64.Hart, *rv64.BasicBlock) (rv64.CompiledEntry, func(), error) {
	return nil, nil, fmt.Errorf("jit: native codegen is not available on this platform")
}
