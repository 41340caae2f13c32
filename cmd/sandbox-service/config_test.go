package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"codesandbox/internal/sandbox/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox_service.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, "logger:\n  level: info\n"))
	if err != nil {
		t.Fatalf("loadAppConfig failed: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("MaxBodyBytes = %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Dispatch.PoolSize != runtime.NumCPU() {
		t.Fatalf("PoolSize = %d", cfg.Dispatch.PoolSize)
	}
	if cfg.Dispatch.QueueTimeout != defaultQueueTimeout || cfg.Dispatch.DeadlineMargin != defaultDeadlineMargin {
		t.Fatalf("dispatch defaults not applied: %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.Backend != rateLimitBackendLocal || cfg.RateLimit.Max != defaultRateLimitMax {
		t.Fatalf("rate limit defaults not applied: %+v", cfg.RateLimit)
	}
	if cfg.Metrics.Path != defaultMetricsPath {
		t.Fatalf("metrics path = %q", cfg.Metrics.Path)
	}
	if cfg.Sandbox.WorkRoot == "" {
		t.Fatalf("work root not defaulted")
	}
}

func TestLoadAppConfigValues(t *testing.T) {
	body := `
server:
  addr: 127.0.0.1:9000
  writeTimeout: 90s
  gzip: true
sandbox:
  workRoot: /srv/sandbox
  engine:
    helperPath: /usr/local/bin/sandbox-init
    namespaces: "on"
    drainTimeout: 1s
dispatch:
  poolSize: 3
  maxCodeBytes: 2048
rateLimit:
  enabled: true
  backend: Redis
  max: 5
  window: 10s
redis:
  addr: 127.0.0.1:6379
language:
  runDefaults:
    wallClock: 8s
  languages:
    - id: ruby
      kind: script
      sourceFile: main.rb
      runCmd: ruby {src}
`
	cfg, err := loadAppConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("loadAppConfig failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.WriteTimeout != 90*time.Second || !cfg.Server.Gzip {
		t.Fatalf("server config = %+v", cfg.Server)
	}
	if cfg.Sandbox.Engine.Namespaces != engine.NamespacesOn || cfg.Sandbox.Engine.HelperPath != "/usr/local/bin/sandbox-init" || cfg.Sandbox.Engine.DrainTimeout != time.Second {
		t.Fatalf("engine config = %+v", cfg.Sandbox.Engine)
	}
	if cfg.Dispatch.PoolSize != 3 || cfg.Dispatch.MaxCodeBytes != 2048 {
		t.Fatalf("dispatch config = %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.Backend != rateLimitBackendRedis || cfg.RateLimit.Window != 10*time.Second {
		t.Fatalf("rate limit config = %+v", cfg.RateLimit)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Redis.DialTimeout == 0 {
		t.Fatalf("redis defaults not applied: %+v", cfg.Redis)
	}
	if got := cfg.Language.defaults().Run.WallClock; got != 8*time.Second {
		t.Fatalf("run wall clock default = %s", got)
	}
	specs := cfg.Language.specs()
	if specs[len(specs)-1].ID != "ruby" {
		t.Fatalf("configured language not appended: %+v", specs[len(specs)-1])
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "redis backend without addr",
			body: "rateLimit:\n  enabled: true\n  backend: redis\n",
			want: "redis addr is required",
		},
		{
			name: "unknown backend",
			body: "rateLimit:\n  backend: memcached\n",
			want: "unknown rate limit backend",
		},
		{
			name: "seccomp without profile",
			body: "sandbox:\n  engine:\n    enableSeccomp: true\n",
			want: "seccomp profile is required",
		},
		{
			name: "bad trusted proxy",
			body: "server:\n  trustedProxies: [\"10.0.0.0/33\"]\n",
			want: "invalid trusted proxy",
		},
		{
			name: "malformed yaml",
			body: "server: [\n",
			want: "parse config file failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadAppConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
