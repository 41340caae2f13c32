//go:build linux

package engine

import (
	"os"

	"codesandbox/internal/sandbox/launcher"
)

// A binary that links the engine doubles as its launcher: the runner
// re-executes /proc/self/exe with launcher.SelfArg0 as argv[0].
func init() {
	if len(os.Args) > 0 && os.Args[0] == launcher.SelfArg0 {
		launcher.Main(launcher.Options{})
	}
}
