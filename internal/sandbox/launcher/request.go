// Package launcher is the part of the process runner that executes inside
// the sandbox. The runner starts a launcher instead of the submitted program
// and hands it a Request on fd 3; the launcher confines itself and execs.
package launcher

const (
	// RequestFD carries the JSON Request.
	RequestFD = 3
	// StatusFD receives launch errors. It is close-on-exec, so an empty
	// status means the program started.
	StatusFD = 4
	// ReportFD receives the ExitReport when the launcher supervises a pid
	// namespace.
	ReportFD = 5

	// SelfArg0 marks a re-executed service binary acting as the launcher.
	SelfArg0 = "codesandbox-init"
)

// Request describes one program launch. Field names are wire format.
type Request struct {
	Executable     string   `json:"executable"`
	Args           []string `json:"args"`
	WorkDir        string   `json:"workDir"`
	Env            []string `json:"env"`
	Limits         Rlimits  `json:"limits"`
	SeccompProfile string   `json:"seccompProfile,omitempty"`
	EnableNs       bool     `json:"enableNs"`

	// Nested is set by a supervising launcher on the request it passes to
	// the process that execs the program.
	Nested bool `json:"nested,omitempty"`
	// SetupOnly stops after namespace setup without starting a program.
	SetupOnly bool `json:"setupOnly,omitempty"`
}

// Rlimits are applied before exec. Zero leaves a resource unlimited.
type Rlimits struct {
	CPUSeconds   uint64 `json:"cpuSeconds"`
	AddressSpace uint64 `json:"addressSpace"`
	FileSize     uint64 `json:"fileSize"`
	Processes    uint64 `json:"processes"`
}

// ExitReport is how the supervising launcher hands the program's wait
// status to the runner; the launcher itself cannot die by the same signal.
type ExitReport struct {
	Exited   bool  `json:"exited"`
	Code     int   `json:"code"`
	Signal   int   `json:"signal"`
	UserUsec int64 `json:"userUsec"`
	SysUsec  int64 `json:"sysUsec"`
	MaxRSSKB int64 `json:"maxRssKb"`
}
