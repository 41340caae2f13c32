package engine

import "time"

const (
	defaultDrainTimeout = 2 * time.Second
	defaultPath         = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Namespace modes.
const (
	NamespacesAuto = "auto"
	NamespacesOn   = "on"
	NamespacesOff  = "off"
)

// Config controls sandbox engine behavior.
type Config struct {
	// HelperPath names an external sandbox-init binary. When empty the
	// service binary re-executes itself as the launcher. Either way rlimits
	// are set before the program's exec.
	HelperPath string `yaml:"helperPath"`

	CgroupRoot   string `yaml:"cgroupRoot"`
	EnableCgroup bool   `yaml:"enableCgroup"`

	// SeccompProfile is loaded by the external helper only.
	SeccompProfile string `yaml:"seccompProfile"`
	EnableSeccomp  bool   `yaml:"enableSeccomp"`

	// Namespaces runs every program in its own user, pid and mount
	// namespace, with sibling workspaces hidden. "auto" (the default) falls
	// back with a warning when the kernel refuses, "on" fails instead.
	Namespaces     string `yaml:"namespaces"`
	DisableNetwork bool   `yaml:"disableNetwork"`

	// EnableNprocRlimit makes the launcher set RLIMIT_NPROC. Only useful when
	// programs run under a uid dedicated to the sandbox.
	EnableNprocRlimit bool `yaml:"enableNprocRlimit"`

	// DrainTimeout bounds how long output readers may run after the tree is dead.
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	// DefaultPath is injected when a spec carries no PATH entry.
	DefaultPath string `yaml:"defaultPath"`
}

func (c Config) withDefaults() Config {
	if c.Namespaces == "" {
		c.Namespaces = NamespacesAuto
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.DefaultPath == "" {
		c.DefaultPath = defaultPath
	}
	return c
}
