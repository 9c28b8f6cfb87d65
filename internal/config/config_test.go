package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/tripwire/gateway/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
port: 8080
host: "0.0.0.0"
max_inflight_per_target: 4
max_queue_per_target: 128
timeout_ms: 15000
max_body_size: "2mb"
drain_deadline_ms: 10000
log_level: debug
targets:
  - id: weather
    kind: mcp
  - id: planner
    kind: a2a
    url: "https://planner.internal/rpc"
auth:
  public_key_path: "/etc/gateway/jwt.pub"
store:
  driver: sqlite
  path: "/var/lib/gateway/events.db"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.MaxInflightPerTarget != 4 {
		t.Errorf("MaxInflightPerTarget = %d, want 4", cfg.MaxInflightPerTarget)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[0].ID != "weather" || cfg.Targets[0].Kind != "mcp" {
		t.Errorf("Targets = %+v", cfg.Targets)
	}
	if cfg.Auth.PublicKeyPath != "/etc/gateway/jwt.pub" {
		t.Errorf("Auth.PublicKeyPath = %q", cfg.Auth.PublicKeyPath)
	}
	if cfg.MaxBodyBytes() != 2*1024*1024 {
		t.Errorf("MaxBodyBytes() = %d, want %d", cfg.MaxBodyBytes(), 2*1024*1024)
	}
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: weather
    kind: mcp
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3456 {
		t.Errorf("Port = %d, want default 3456", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want default 127.0.0.1", cfg.Host)
	}
	if cfg.MaxInflightPerTarget != 1 {
		t.Errorf("MaxInflightPerTarget = %d, want default 1", cfg.MaxInflightPerTarget)
	}
	if cfg.MaxQueuePerTarget != 64 {
		t.Errorf("MaxQueuePerTarget = %d, want default 64", cfg.MaxQueuePerTarget)
	}
	if cfg.TimeoutMs != 30000 {
		t.Errorf("TimeoutMs = %d, want default 30000", cfg.TimeoutMs)
	}
	if cfg.DrainDeadlineMs != 30000 {
		t.Errorf("DrainDeadlineMs = %d, want default 30000", cfg.DrainDeadlineMs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want default sqlite", cfg.Store.Driver)
	}
	if cfg.Store.Path != "gateway.db" {
		t.Errorf("Store.Path = %q, want default gateway.db", cfg.Store.Path)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `
log_level: verbose
targets:
  - id: weather
    kind: mcp
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}
}

func TestLoadConfig_InvalidTargetKind(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: weather
    kind: smtp
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "kind") {
		t.Fatalf("expected kind validation error, got %v", err)
	}
}

func TestLoadConfig_DuplicateTargetID(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: weather
    kind: mcp
  - id: weather
    kind: a2a
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate target id error, got %v", err)
	}
}

func TestLoadConfig_MissingAuthPublicKeyPath(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: weather
    kind: mcp
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "public_key_path") {
		t.Fatalf("expected public_key_path validation error, got %v", err)
	}
}

func TestLoadConfig_MaxBodySizeExceedsHardCap(t *testing.T) {
	path := writeTemp(t, `
max_body_size: "200mb"
targets:
  - id: weather
    kind: mcp
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "hard cap") {
		t.Fatalf("expected hard cap validation error, got %v", err)
	}
}

func TestLoadConfig_A2ATargetRequiresURL(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: planner
    kind: a2a
auth:
  public_key_path: "/etc/gateway/jwt.pub"
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "url is required") {
		t.Fatalf("expected url validation error, got %v", err)
	}
}

func TestLoadConfig_PostgresRequiresConnString(t *testing.T) {
	path := writeTemp(t, `
targets:
  - id: weather
    kind: mcp
auth:
  public_key_path: "/etc/gateway/jwt.pub"
store:
  driver: postgres
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "conn_string") {
		t.Fatalf("expected conn_string validation error, got %v", err)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"100": 100,
		"1kb": 1024,
		"2mb": 2 * 1024 * 1024,
		"1gb": 1024 * 1024 * 1024,
		"1MB": 1024 * 1024,
	}
	for input, want := range cases {
		got, err := config.ParseByteSize(input)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): unexpected error: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := config.ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for malformed size")
	}
}
