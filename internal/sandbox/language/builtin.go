package language

import "time"

const (
	mb = 1024 * 1024

	// DefaultOutputBytes caps each captured stream.
	DefaultOutputBytes = 64 * 1024
)

// DefaultLimits returns the limits used where neither the language nor the
// configuration sets a value.
func DefaultLimits() Defaults {
	return Defaults{
		Compile: LimitsConfig{
			WallClock:   15 * time.Second,
			CPUTime:     10 * time.Second,
			MemoryBytes: 1024 * mb,
			OutputBytes: DefaultOutputBytes,
			Processes:   64,
			FileBytes:   64 * mb,
		},
		Run: LimitsConfig{
			WallClock:   5 * time.Second,
			CPUTime:     5 * time.Second,
			MemoryBytes: 256 * mb,
			OutputBytes: DefaultOutputBytes,
			Processes:   64,
			FileBytes:   16 * mb,
		},
	}
}

// BuiltinSpecs returns the languages available without configuration.
func BuiltinSpecs() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:         "python",
			Name:       "Python 3",
			Aliases:    []string{"py", "python3"},
			Kind:       KindScript,
			SourceFile: "main.py",
			RunCmdTpl:  "python3 -B {src}",
			Env:        []string{"PYTHONIOENCODING=utf-8", "PYTHONDONTWRITEBYTECODE=1"},
		},
		{
			ID:            "c",
			Name:          "C (gcc)",
			Kind:          KindNative,
			SourceFile:    "main.c",
			BinaryFile:    "main",
			CompileCmdTpl: "gcc -O2 -std=c11 -o {bin} {src} -lm",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:            "cpp",
			Name:          "C++ (g++)",
			Aliases:       []string{"c++", "cxx"},
			Kind:          KindNative,
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ -O2 -std=c++17 -o {bin} {src}",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:            "java",
			Name:          "Java",
			Kind:          KindManaged,
			SourceFile:    "Main.java",
			MainClass:     "Main",
			HeapMB:        256,
			CompileCmdTpl: "javac -J-Xmx{heapMB}m -encoding UTF-8 -d {dir} {src}",
			RunCmdTpl:     "java -Xmx{heapMB}m -Xss64m -XX:+UseSerialGC -cp {dir} {main}",
			// The JVM reserves far more address space than it uses.
			CompileLimits: LimitsConfig{WallClock: 20 * time.Second, MemoryBytes: -1, Processes: 256},
			RunLimits:     LimitsConfig{WallClock: 8 * time.Second, MemoryBytes: -1, Processes: 256},
		},
		{
			ID:         "javascript",
			Name:       "JavaScript (Node.js)",
			Aliases:    []string{"js", "node"},
			Kind:       KindScript,
			SourceFile: "main.js",
			HeapMB:     256,
			RunCmdTpl:  "node --max-old-space-size={heapMB} {src}",
			RunLimits:  LimitsConfig{MemoryBytes: -1},
		},
	}
}

// Override returns d with every field set in compile or run replacing the
// corresponding default.
func (d Defaults) Override(compile, run LimitsConfig) Defaults {
	return Defaults{
		Compile: mergeLimits(d.Compile, compile),
		Run:     mergeLimits(d.Run, run),
	}
}

// MergeSpecs overlays configured languages on the builtins by ID.
func MergeSpecs(builtin, configured []LanguageSpec) []LanguageSpec {
	out := make([]LanguageSpec, 0, len(builtin)+len(configured))
	index := make(map[string]int, len(builtin))
	for _, lang := range builtin {
		index[normalize(lang.ID)] = len(out)
		out = append(out, lang)
	}
	for _, lang := range configured {
		if i, ok := index[normalize(lang.ID)]; ok {
			out[i] = lang
			continue
		}
		index[normalize(lang.ID)] = len(out)
		out = append(out, lang)
	}
	return out
}
