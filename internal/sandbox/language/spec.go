package language

import (
	"math"
	"time"

	"codesandbox/internal/sandbox/spec"
)

// Kind selects how a language turns source into a running process.
type Kind string

const (
	// KindNative compiles to a host executable that is run directly.
	KindNative Kind = "native"
	// KindManaged compiles to an artifact run by a runtime launcher.
	KindManaged Kind = "managed"
	// KindScript runs the source with an interpreter.
	KindScript Kind = "script"
)

// LimitsConfig is the YAML form of spec.ResourceLimits.
// A negative MemoryBytes disables the address space limit for runtimes
// that reserve large virtual regions up front.
type LimitsConfig struct {
	WallClock   time.Duration `yaml:"wallClock" json:"wallClock"`
	CPUTime     time.Duration `yaml:"cpuTime" json:"cpuTime"`
	MemoryBytes int64         `yaml:"memoryBytes" json:"memoryBytes"`
	OutputBytes int64         `yaml:"outputBytes" json:"outputBytes"`
	Processes   int64         `yaml:"processes" json:"processes"`
	FileBytes   int64         `yaml:"fileBytes" json:"fileBytes"`
}

// LanguageSpec describes one supported language.
// Command templates accept {src}, {bin}, {dir}, {main} and {heapMB}.
type LanguageSpec struct {
	ID               string       `yaml:"id"`
	Name             string       `yaml:"name"`
	Aliases          []string     `yaml:"aliases"`
	Kind             Kind         `yaml:"kind"`
	SourceFile       string       `yaml:"sourceFile"`
	BinaryFile       string       `yaml:"binaryFile"`
	MainClass        string       `yaml:"mainClass"`
	HeapMB           int64        `yaml:"heapMB"`
	CompileCmdTpl    string       `yaml:"compileCmd"`
	RunCmdTpl        string       `yaml:"runCmd"`
	Env              []string     `yaml:"env"`
	CompileLimits    LimitsConfig `yaml:"compileLimits"`
	RunLimits        LimitsConfig `yaml:"runLimits"`
	TimeMultiplier   float64      `yaml:"timeMultiplier"`
	MemoryMultiplier float64      `yaml:"memoryMultiplier"`
}

func (l LimitsConfig) toResourceLimits() spec.ResourceLimits {
	return spec.ResourceLimits{
		WallClockTimeout: l.WallClock,
		CPUTime:          l.CPUTime,
		MaxMemoryBytes:   max(l.MemoryBytes, 0),
		MaxOutputBytes:   l.OutputBytes,
		MaxProcesses:     l.Processes,
		MaxFileBytes:     l.FileBytes,
	}
}

func mergeLimits(base, override LimitsConfig) LimitsConfig {
	if override.WallClock > 0 {
		base.WallClock = override.WallClock
	}
	if override.CPUTime > 0 {
		base.CPUTime = override.CPUTime
	}
	if override.MemoryBytes != 0 {
		base.MemoryBytes = override.MemoryBytes
	}
	if override.OutputBytes > 0 {
		base.OutputBytes = override.OutputBytes
	}
	if override.Processes > 0 {
		base.Processes = override.Processes
	}
	if override.FileBytes > 0 {
		base.FileBytes = override.FileBytes
	}
	return base
}

func applyMultipliers(limits LimitsConfig, timeMul, memMul float64) LimitsConfig {
	limits.WallClock = time.Duration(scaleLimit(int64(limits.WallClock), timeMul))
	limits.CPUTime = time.Duration(scaleLimit(int64(limits.CPUTime), timeMul))
	limits.MemoryBytes = scaleLimit(limits.MemoryBytes, memMul)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return value
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
