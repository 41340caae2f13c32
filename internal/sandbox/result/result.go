// Package result defines execution outcomes and the submission result.
package result

import (
	"time"

	"codesandbox/pkg/errors"
)

// ReasonMemoryLimit is the reason given when the kernel killed a run for
// exceeding its memory limit.
const ReasonMemoryLimit = "memory limit exceeded"

// TerminationKind classifies how a process tree ended.
type TerminationKind string

const (
	Completed       TerminationKind = "Completed"
	TimedOut        TerminationKind = "TimedOut"
	OutputTruncated TerminationKind = "OutputTruncated"
	KilledBySignal  TerminationKind = "KilledBySignal"
	NonZeroExit     TerminationKind = "NonZeroExit"
	LaunchFailure   TerminationKind = "LaunchFailure"
)

// ExecutionOutcome captures raw data of one process execution.
type ExecutionOutcome struct {
	Stdout string
	Stderr string
	Kind   TerminationKind
	// ExitCode is set only when the process exited on its own.
	ExitCode *int
	// Signal names the terminating signal for KilledBySignal.
	Signal    string
	OomKilled bool
	WallTime  time.Duration
	CPUTime   time.Duration
	MemoryKB  int64
	// Detail is internal diagnostic text; it is logged, never returned to submitters.
	Detail string
}

// Succeeded reports a clean exit with status zero.
func (o ExecutionOutcome) Succeeded() bool {
	return o.Kind == Completed && o.ExitCode != nil && *o.ExitCode == 0
}

// FailureKind is the error taxonomy surfaced by the pipeline.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureUnsupportedLanguage FailureKind = "UnsupportedLanguage"
	FailureResourceUnavailable FailureKind = "ResourceUnavailable"
	FailureCompile             FailureKind = "CompileFailure"
	FailureTimedOut            FailureKind = "TimedOut"
	FailureOutputTruncated     FailureKind = "OutputTruncated"
	FailureKilledBySignal      FailureKind = "KilledBySignal"
	FailureNonZeroExit         FailureKind = "NonZeroExit"
	FailureLaunch              FailureKind = "LaunchFailure"
	FailureInternal            FailureKind = "Internal"
)

// Code maps the kind onto the service error codes used in logs.
func (k FailureKind) Code() errors.ErrorCode {
	switch k {
	case FailureNone:
		return errors.Success
	case FailureUnsupportedLanguage:
		return errors.LanguageNotSupported
	case FailureResourceUnavailable:
		return errors.ResourceUnavailable
	case FailureCompile:
		return errors.CompilationError
	case FailureTimedOut:
		return errors.TimeLimitExceeded
	case FailureOutputTruncated:
		return errors.OutputLimitExceeded
	case FailureKilledBySignal, FailureNonZeroExit:
		return errors.RuntimeError
	case FailureLaunch:
		return errors.LaunchFailed
	default:
		return errors.SandboxSystemError
	}
}

// SubmissionResult is the only structure returned to submitters.
type SubmissionResult struct {
	Output  string
	Failed  bool
	Reason  string
	Failure FailureKind
}

// Success builds a successful result.
func Success(output string) SubmissionResult {
	return SubmissionResult{Output: output}
}

// Failure builds a failed result.
func Failure(kind FailureKind, output, reason string) SubmissionResult {
	return SubmissionResult{Output: output, Failed: true, Reason: reason, Failure: kind}
}

// Code is the failure kind's code, narrowed to MemoryLimitExceeded for
// runs the memory limit killed.
func (r SubmissionResult) Code() errors.ErrorCode {
	if r.Failure == FailureKilledBySignal && r.Reason == ReasonMemoryLimit {
		return errors.MemoryLimitExceeded
	}
	return r.Failure.Code()
}

// Display renders the text shown to a submitter.
// Failures append the reason after any captured output.
func (r SubmissionResult) Display() string {
	if !r.Failed || r.Reason == "" {
		return r.Output
	}
	if r.Output == "" {
		return r.Reason
	}
	sep := "\n"
	if r.Output[len(r.Output)-1] == '\n' {
		sep = ""
	}
	return r.Output + sep + "[" + r.Reason + "]"
}
