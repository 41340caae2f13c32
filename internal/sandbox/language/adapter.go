// Package language turns a source file in a workspace into process specs.
//
// Adapters are pure translators: they never start processes and hold no
// state besides their configuration. Adding a language means registering
// another adapter; dispatch and the runner stay unchanged.
package language

import (
	"fmt"
	"time"

	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
)

// Plan is the ordered work for one submission. Compile is nil for
// languages that run their source directly.
type Plan struct {
	Compile *spec.ProcessSpec
	Run     spec.ProcessSpec
}

// Adapter is the contract every language satisfies.
type Adapter interface {
	ID() string
	SourceFile() string
	Prepare(ws *workspace.Workspace, stdin string) (Plan, error)
}

// Budget returns the worst-case wall clock time of a submission in the
// language, or 0 when the adapter does not report one.
func Budget(a Adapter) time.Duration {
	if b, ok := a.(interface{ Budget() time.Duration }); ok {
		return b.Budget()
	}
	return 0
}

// base carries what all three adapter variants share.
type base struct {
	lang          LanguageSpec
	compileLimits spec.ResourceLimits
	runLimits     spec.ResourceLimits
}

func (b *base) ID() string         { return b.lang.ID }
func (b *base) SourceFile() string { return b.lang.SourceFile }

func (b *base) Budget() time.Duration {
	total := b.runLimits.WallClockTimeout
	if b.lang.CompileCmdTpl != "" {
		total += b.compileLimits.WallClockTimeout
	}
	return total
}

func (b *base) processSpec(ws *workspace.Workspace, tpl string, limits spec.ResourceLimits, stdin string) (spec.ProcessSpec, error) {
	if ws == nil {
		return spec.ProcessSpec{}, fmt.Errorf("workspace is required")
	}
	argv, err := buildCommand(tpl, b.lang, ws)
	if err != nil {
		return spec.ProcessSpec{}, err
	}
	return spec.ProcessSpec{
		Executable: argv[0],
		Args:       argv[1:],
		WorkDir:    ws.Dir,
		Env:        buildEnv(b.lang, ws),
		Stdin:      stdin,
		Limits:     limits,
	}, nil
}

func (b *base) compileSpec(ws *workspace.Workspace) (*spec.ProcessSpec, error) {
	compile, err := b.processSpec(ws, b.lang.CompileCmdTpl, b.compileLimits, "")
	if err != nil {
		return nil, fmt.Errorf("build compile command: %w", err)
	}
	return &compile, nil
}

// nativeAdapter compiles to a host executable and runs it directly.
type nativeAdapter struct {
	base
}

func (a *nativeAdapter) Prepare(ws *workspace.Workspace, stdin string) (Plan, error) {
	compile, err := a.compileSpec(ws)
	if err != nil {
		return Plan{}, err
	}
	tpl := a.lang.RunCmdTpl
	if tpl == "" {
		tpl = "{bin}"
	}
	run, err := a.processSpec(ws, tpl, a.runLimits, stdin)
	if err != nil {
		return Plan{}, fmt.Errorf("build run command: %w", err)
	}
	return Plan{Compile: compile, Run: run}, nil
}

// managedAdapter compiles to bytecode and runs it through a runtime launcher.
type managedAdapter struct {
	base
}

func (a *managedAdapter) Prepare(ws *workspace.Workspace, stdin string) (Plan, error) {
	compile, err := a.compileSpec(ws)
	if err != nil {
		return Plan{}, err
	}
	run, err := a.processSpec(ws, a.lang.RunCmdTpl, a.runLimits, stdin)
	if err != nil {
		return Plan{}, fmt.Errorf("build run command: %w", err)
	}
	return Plan{Compile: compile, Run: run}, nil
}

// scriptAdapter hands the source straight to an interpreter.
type scriptAdapter struct {
	base
}

func (a *scriptAdapter) Prepare(ws *workspace.Workspace, stdin string) (Plan, error) {
	run, err := a.processSpec(ws, a.lang.RunCmdTpl, a.runLimits, stdin)
	if err != nil {
		return Plan{}, fmt.Errorf("build run command: %w", err)
	}
	return Plan{Run: run}, nil
}

// Defaults are the limits applied where a language leaves a field unset.
type Defaults struct {
	Compile LimitsConfig
	Run     LimitsConfig
}

// NewAdapter validates lang and builds the adapter variant for its kind.
func NewAdapter(lang LanguageSpec, defaults Defaults) (Adapter, error) {
	if err := validateSpec(lang); err != nil {
		return nil, err
	}
	compile := applyMultipliers(mergeLimits(defaults.Compile, lang.CompileLimits), lang.TimeMultiplier, lang.MemoryMultiplier)
	run := applyMultipliers(mergeLimits(defaults.Run, lang.RunLimits), lang.TimeMultiplier, lang.MemoryMultiplier)
	b := base{lang: lang, compileLimits: compile.toResourceLimits(), runLimits: run.toResourceLimits()}
	if b.runLimits.WallClockTimeout <= 0 || b.runLimits.MaxOutputBytes <= 0 {
		return nil, fmt.Errorf("language %s: run wall clock and output cap are required", lang.ID)
	}

	switch lang.Kind {
	case KindNative:
		return &nativeAdapter{base: b}, nil
	case KindManaged:
		return &managedAdapter{base: b}, nil
	case KindScript:
		return &scriptAdapter{base: b}, nil
	default:
		return nil, fmt.Errorf("language %s: unknown kind %q", lang.ID, lang.Kind)
	}
}

func validateSpec(lang LanguageSpec) error {
	if lang.ID == "" {
		return fmt.Errorf("language id is required")
	}
	if lang.SourceFile == "" {
		return fmt.Errorf("language %s: source file is required", lang.ID)
	}
	switch lang.Kind {
	case KindNative:
		if lang.CompileCmdTpl == "" || lang.BinaryFile == "" {
			return fmt.Errorf("language %s: native languages need a compile command and binary file", lang.ID)
		}
	case KindManaged:
		if lang.CompileCmdTpl == "" || lang.RunCmdTpl == "" {
			return fmt.Errorf("language %s: managed languages need compile and run commands", lang.ID)
		}
	case KindScript:
		if lang.RunCmdTpl == "" {
			return fmt.Errorf("language %s: script languages need a run command", lang.ID)
		}
		if lang.CompileCmdTpl != "" {
			return fmt.Errorf("language %s: script languages have no compile step", lang.ID)
		}
	}
	return nil
}
