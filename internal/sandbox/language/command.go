package language

import (
	"fmt"
	"strconv"
	"strings"

	"codesandbox/internal/sandbox/workspace"

	"github.com/google/shlex"
)

// buildCommand expands a command template and splits it into argv.
func buildCommand(tpl string, lang LanguageSpec, ws *workspace.Workspace) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, fmt.Errorf("command template is required")
	}
	fields, err := shlex.Split(expand(tpl, lang, ws, shellQuote))
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command is empty after expansion")
	}
	return fields, nil
}

// buildEnv expands the language environment; HOME and TMPDIR point into
// the workspace unless the language sets them.
func buildEnv(lang LanguageSpec, ws *workspace.Workspace) []string {
	env := make([]string, 0, len(lang.Env)+2)
	seen := make(map[string]bool, len(lang.Env))
	for _, kv := range lang.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		seen[key] = true
		env = append(env, expand(kv, lang, ws, nil))
	}
	for _, key := range []string{"HOME", "TMPDIR"} {
		if !seen[key] {
			env = append(env, key+"="+ws.Dir)
		}
	}
	return env
}

func expand(tpl string, lang LanguageSpec, ws *workspace.Workspace, quote func(string) string) string {
	if quote == nil {
		quote = func(s string) string { return s }
	}
	replacer := strings.NewReplacer(
		"{src}", quote(ws.Path(lang.SourceFile)),
		"{bin}", quote(ws.Path(lang.BinaryFile)),
		"{dir}", quote(ws.Dir),
		"{main}", quote(lang.MainClass),
		"{heapMB}", strconv.FormatInt(lang.HeapMB, 10),
	)
	return replacer.Replace(tpl)
}

// shellQuote protects substituted paths from being split by shlex.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
