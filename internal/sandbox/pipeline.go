// Package sandbox runs one submission end to end: workspace, compile, run.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	reasonUnavailable   = "sandbox is temporarily unavailable, try again later"
	reasonInternal      = "internal sandbox error"
	reasonLaunch        = "sandbox could not start the program"
	reasonCompileFailed = "compilation failed"
	reasonCompileTime   = "compilation exceeded the time limit"
	reasonCompileOutput = "compiler output exceeded size limit"
	reasonTimedOut      = "execution exceeded the time limit"
	reasonOutputLimit   = "output exceeded size limit"
)

// Submission is one unit of work. It is never stored.
type Submission struct {
	Language string
	Source   string
	Stdin    string
}

// Pipeline executes submissions. It is safe for concurrent use; every
// call owns its workspace exclusively.
type Pipeline struct {
	languages  *language.Registry
	workspaces *workspace.Manager
	runner     engine.Runner
	metrics    observer.MetricsRecorder
}

// Config holds pipeline dependencies.
type Config struct {
	Languages  *language.Registry
	Workspaces *workspace.Manager
	Runner     engine.Runner
	Metrics    observer.MetricsRecorder
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	return &Pipeline{
		languages:  cfg.Languages,
		workspaces: cfg.Workspaces,
		runner:     cfg.Runner,
		metrics:    observer.OrNoop(cfg.Metrics),
	}, nil
}

// Budget returns the compile plus run wall clock limit of a language.
func (p *Pipeline) Budget(languageID string) (time.Duration, bool) {
	adapter, ok := p.languages.Get(languageID)
	if !ok {
		return 0, false
	}
	return language.Budget(adapter), true
}

// Languages lists the registered languages.
func (p *Pipeline) Languages() []language.Info {
	return p.languages.List()
}

// Supports reports whether languageID resolves to an adapter.
func (p *Pipeline) Supports(languageID string) bool {
	_, ok := p.languages.Get(languageID)
	return ok
}

// Run executes sub and always returns a result. Every failure, including a
// panic below this call, is mapped to a failed result, and the workspace is
// gone before Run returns.
func (p *Pipeline) Run(ctx context.Context, sub Submission) (res result.SubmissionResult) {
	start := time.Now()
	languageID := strings.ToLower(strings.TrimSpace(sub.Language))
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "submission panicked", zap.String("language", languageID), zap.Any("panic", r), zap.Stack("stack"))
			res = result.Failure(result.FailureInternal, "", reasonInternal)
		}
		p.metrics.ObserveSubmission(ctx, languageID, string(res.Failure), time.Since(start))
	}()

	adapter, ok := p.languages.Get(sub.Language)
	if !ok {
		return result.Failure(result.FailureUnsupportedLanguage, "", fmt.Sprintf("unknown language: %s", sub.Language))
	}
	languageID = adapter.ID()

	ws, err := p.workspaces.Create()
	if err != nil {
		logger.Error(ctx, "create workspace failed", zap.String("language", languageID), zap.Error(err))
		return result.Failure(result.FailureResourceUnavailable, "", reasonUnavailable)
	}
	p.metrics.SetLiveWorkspaces(p.workspaces.Live())
	defer func() {
		if err := p.workspaces.Destroy(ws); err != nil {
			logger.Error(ctx, "destroy workspace failed", zap.String("workspace", ws.ID), zap.Error(err))
		}
		p.metrics.SetLiveWorkspaces(p.workspaces.Live())
	}()

	log := []zap.Field{zap.String("language", languageID), zap.String("workspace", ws.ID)}

	if err := p.workspaces.Write(ws, adapter.SourceFile(), sub.Source); err != nil {
		logger.Error(ctx, "write source failed", append(log, zap.Error(err))...)
		return result.Failure(result.FailureResourceUnavailable, "", reasonUnavailable)
	}

	plan, err := adapter.Prepare(ws, sub.Stdin)
	if err != nil {
		logger.Error(ctx, "prepare plan failed", append(log, zap.Error(err))...)
		return result.Failure(result.FailureInternal, "", reasonInternal)
	}

	if plan.Compile != nil {
		outcome, err := p.runner.Execute(ctx, *plan.Compile)
		if err != nil {
			logger.Error(ctx, "compile setup failed", append(log, zap.Error(err))...)
			return result.Failure(result.FailureResourceUnavailable, "", reasonUnavailable)
		}
		p.metrics.ObserveCompile(ctx, languageID, outcome.Succeeded(), outcome.WallTime, outcome.MemoryKB)
		if !outcome.Succeeded() {
			failed := compileFailure(outcome, ws)
			logOutcome(ctx, "compile step failed", outcome, failed, log)
			return failed
		}
	}

	outcome, err := p.runner.Execute(ctx, plan.Run)
	if err != nil {
		logger.Error(ctx, "run setup failed", append(log, zap.Error(err))...)
		return result.Failure(result.FailureResourceUnavailable, "", reasonUnavailable)
	}
	p.metrics.ObserveRun(ctx, languageID, string(outcome.Kind), outcome.WallTime, outcome.MemoryKB)
	res = runResult(outcome)
	logOutcome(ctx, "run step finished", outcome, res, log)
	return res
}

// compileFailure builds the result of a failed compile step. Diagnostics
// have the workspace directory stripped from paths, so Output is not the
// compiler's raw stderr.
func compileFailure(outcome result.ExecutionOutcome, ws *workspace.Workspace) result.SubmissionResult {
	diagnostics := outcome.Stderr
	if diagnostics == "" {
		diagnostics = outcome.Stdout
	}
	diagnostics = strings.ReplaceAll(diagnostics, ws.Dir+"/", "")

	switch outcome.Kind {
	case result.LaunchFailure:
		return result.Failure(result.FailureLaunch, "", reasonLaunch)
	case result.TimedOut:
		return result.Failure(result.FailureCompile, diagnostics, reasonCompileTime)
	case result.OutputTruncated:
		return result.Failure(result.FailureCompile, diagnostics, reasonCompileOutput)
	default:
		return result.Failure(result.FailureCompile, diagnostics, reasonCompileFailed)
	}
}

func runResult(outcome result.ExecutionOutcome) result.SubmissionResult {
	switch outcome.Kind {
	case result.Completed:
		if outcome.Succeeded() {
			if outcome.Stdout == "" {
				return result.Success(outcome.Stderr)
			}
			return result.Success(outcome.Stdout)
		}
		return result.Failure(result.FailureNonZeroExit, combine(outcome), exitReason(outcome))
	case result.TimedOut:
		return result.Failure(result.FailureTimedOut, outcome.Stdout, reasonTimedOut)
	case result.OutputTruncated:
		out := outcome.Stdout
		if out == "" {
			out = outcome.Stderr
		}
		return result.Failure(result.FailureOutputTruncated, out, reasonOutputLimit)
	case result.KilledBySignal:
		if outcome.OomKilled {
			return result.Failure(result.FailureKilledBySignal, combine(outcome), result.ReasonMemoryLimit)
		}
		return result.Failure(result.FailureKilledBySignal, combine(outcome), fmt.Sprintf("killed by signal: %s", outcome.Signal))
	case result.NonZeroExit:
		return result.Failure(result.FailureNonZeroExit, combine(outcome), exitReason(outcome))
	case result.LaunchFailure:
		return result.Failure(result.FailureLaunch, "", reasonLaunch)
	default:
		return result.Failure(result.FailureInternal, "", reasonInternal)
	}
}

func exitReason(outcome result.ExecutionOutcome) string {
	if outcome.ExitCode == nil {
		return "program exited abnormally"
	}
	return fmt.Sprintf("exited with status %d", *outcome.ExitCode)
}

// combine joins stdout and stderr so runtime errors stay visible.
func combine(outcome result.ExecutionOutcome) string {
	switch {
	case outcome.Stderr == "":
		return outcome.Stdout
	case outcome.Stdout == "":
		return outcome.Stderr
	case strings.HasSuffix(outcome.Stdout, "\n"):
		return outcome.Stdout + outcome.Stderr
	default:
		return outcome.Stdout + "\n" + outcome.Stderr
	}
}

func logOutcome(ctx context.Context, msg string, outcome result.ExecutionOutcome, res result.SubmissionResult, base []zap.Field) {
	fields := append(base,
		zap.String("termination", string(outcome.Kind)),
		zap.String("failure", string(res.Failure)),
		zap.Duration("wall_time", outcome.WallTime),
		zap.Duration("cpu_time", outcome.CPUTime),
		zap.Int64("memory_kb", outcome.MemoryKB),
	)
	if outcome.Detail != "" {
		fields = append(fields, zap.String("detail", outcome.Detail))
	}
	if res.Failure == result.FailureLaunch || res.Failure == result.FailureInternal {
		logger.Error(ctx, msg, fields...)
		return
	}
	logger.Info(ctx, msg, fields...)
}
