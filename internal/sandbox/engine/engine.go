// Package engine launches process specs and enforces their limits.
package engine

import (
	"context"
	"strings"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
)

// Runner executes a ProcessSpec and reports how it ended.
// The returned error is reserved for invalid specs and host setup failures;
// anything the program itself does is described by the outcome.
type Runner interface {
	Execute(ctx context.Context, procSpec spec.ProcessSpec) (result.ExecutionOutcome, error)
}

// buildEnv replaces the service environment with the spec's, keeping a PATH.
func buildEnv(env []string, defaultPath string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, "PATH="+defaultPath)
	}
	return out
}
