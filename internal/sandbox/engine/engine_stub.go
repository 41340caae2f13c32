//go:build !linux

package engine

import (
	"context"
	"fmt"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
)

type stubRunner struct{}

// NewRunner returns a runner that refuses to execute outside Linux.
func NewRunner(cfg Config) (Runner, error) {
	return &stubRunner{}, nil
}

// CheckNamespaces always fails outside Linux.
func CheckNamespaces(cfg Config) error {
	return fmt.Errorf("namespaces are only supported on linux")
}

func (s *stubRunner) Execute(ctx context.Context, procSpec spec.ProcessSpec) (result.ExecutionOutcome, error) {
	return result.ExecutionOutcome{}, fmt.Errorf("process runner is only supported on linux")
}
