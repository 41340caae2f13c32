// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, wall time.Duration, memoryKB int64)
	ObserveRun(ctx context.Context, languageID string, termination string, wall time.Duration, memoryKB int64)
	ObserveSubmission(ctx context.Context, languageID string, failure string, total time.Duration)
	ObserveQueueWait(ctx context.Context, wait time.Duration, admitted bool)
	ObserveRateLimited(ctx context.Context)
	SetInFlight(n int)
	SetLiveWorkspaces(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveCompile(context.Context, string, bool, time.Duration, int64) {}

func (Noop) ObserveRun(context.Context, string, string, time.Duration, int64) {}

func (Noop) ObserveSubmission(context.Context, string, string, time.Duration) {}

func (Noop) ObserveQueueWait(context.Context, time.Duration, bool) {}

func (Noop) ObserveRateLimited(context.Context) {}

func (Noop) SetInFlight(int) {}

func (Noop) SetLiveWorkspaces(int) {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r MetricsRecorder) MetricsRecorder {
	if r == nil {
		return Noop{}
	}
	return r
}
