package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/cerberus/pkg/config/provider"
)

const testConfigYAML = `
version: "1.0"
name: "test-config"
privacy:
  secrets:
    - version: 1
      secret: test-secret
rate_limits:
  policies:
    login:
      max_requests: 5
      window: 1m
      block: 15m
      warn_threshold: 2
    search:
      max_requests: 120
      window: 30s
      block: 5m
      mode: monitor
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	return configFile
}

func newFileLoader(t *testing.T, path string, opts ...LoaderOption) *Loader {
	t.Helper()
	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create file provider: %v", err)
	}
	loader := NewLoader(p, opts...)
	t.Cleanup(func() { loader.Close() })
	return loader
}

func TestLoader_File_Load(t *testing.T) {
	configFile := writeTestConfig(t, testConfigYAML)
	loader := newFileLoader(t, configFile)

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", cfg.Version)
	}
	if cfg.Name != "test-config" {
		t.Errorf("expected name 'test-config', got %s", cfg.Name)
	}
	if len(cfg.RateLimit.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(cfg.RateLimit.Policies))
	}

	login := cfg.RateLimit.Policies["login"]
	if login.MaxRequests != 5 {
		t.Errorf("expected login max_requests 5, got %d", login.MaxRequests)
	}
	if login.Window.Duration() != time.Minute {
		t.Errorf("expected login window 1m, got %s", login.Window)
	}
	if login.Block.Duration() != 15*time.Minute {
		t.Errorf("expected login block 15m, got %s", login.Block)
	}
	if login.Mode != PolicyModeEnforce {
		t.Errorf("expected login mode defaulted to enforce, got %s", login.Mode)
	}

	search := cfg.RateLimit.Policies["search"]
	if search.Mode != PolicyModeMonitor {
		t.Errorf("expected search mode monitor, got %s", search.Mode)
	}
	if search.Window.Duration() != 30*time.Second {
		t.Errorf("expected search window 30s, got %s", search.Window)
	}
}

func TestLoader_File_NotFound(t *testing.T) {
	loader := newFileLoader(t, "/nonexistent/file.yaml")

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoader_File_InvalidYAML(t *testing.T) {
	configFile := writeTestConfig(t, `
version: "1.0"
policies:
  - invalid: [unclosed
`)
	loader := newFileLoader(t, configFile)

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoader_UnknownKeysRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown_top_level_key",
			yaml: `
version: "1.0"
rate_limitz: {}
privacy:
  secrets:
    - version: 1
      secret: s
`,
		},
		{
			name: "unknown_nested_key",
			yaml: `
privacy:
  secrets:
    - version: 1
      secret: s
rate_limits:
  policies:
    login:
      max_requests: 5
      window: 1m
      block: 15m
      burst: 10
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := writeTestConfig(t, tt.yaml)
			loader := newFileLoader(t, configFile)

			_, err := loader.Load(context.Background())
			if err == nil {
				t.Fatal("expected error for unknown key")
			}
			if !strings.Contains(err.Error(), "invalid keys") && !strings.Contains(err.Error(), "decode") {
				t.Errorf("expected unknown-key decode error, got: %v", err)
			}
		})
	}
}

func TestLoader_ZeroWindowRejected(t *testing.T) {
	configFile := writeTestConfig(t, `
privacy:
  secrets:
    - version: 1
      secret: s
rate_limits:
  policies:
    login:
      max_requests: 5
      window: 0s
      block: 15m
`)
	loader := newFileLoader(t, configFile)

	_, err := loader.Load(context.Background())
	if err == nil {
		t.Fatal("expected validation error for zero window")
	}
	if !strings.Contains(err.Error(), "window must be positive") {
		t.Errorf("expected window positivity error, got: %v", err)
	}
}

func TestLoader_EnvVarExpansion(t *testing.T) {
	os.Setenv("TEST_HASH_SECRET", "secret-key-123")
	os.Setenv("TEST_DB_HOST", "db.internal")
	defer os.Unsetenv("TEST_HASH_SECRET")
	defer os.Unsetenv("TEST_DB_HOST")

	configFile := writeTestConfig(t, `
privacy:
  secrets:
    - version: 1
      secret: ${TEST_HASH_SECRET}
databases:
  main:
    driver: postgres
    host: $TEST_DB_HOST
    database: ${TEST_DB_NAME:-cerberus}
    username: app
`)
	loader := newFileLoader(t, configFile)

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Privacy.Secrets[0].Secret != "secret-key-123" {
		t.Errorf("expected expanded secret, got %q", cfg.Privacy.Secrets[0].Secret)
	}
	db := cfg.Databases["main"]
	if db.Host != "db.internal" {
		t.Errorf("expected expanded host, got %q", db.Host)
	}
	if db.Database != "cerberus" {
		t.Errorf("expected default-expanded database name, got %q", db.Database)
	}
}

func TestLoader_File_Watch(t *testing.T) {
	configFile := writeTestConfig(t, testConfigYAML)

	var reloadCount atomic.Int32
	loader := newFileLoader(t, configFile, WithOnChange(func(cfg *Config) {
		reloadCount.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx)
	}()

	// Give the watcher time to start
	time.Sleep(200 * time.Millisecond)

	updated := strings.Replace(testConfigYAML, `name: "test-config"`, `name: "updated"`, 1)
	if err := os.WriteFile(configFile, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for reloadCount.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected reload to be triggered, but it wasn't")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after context cancellation")
	}
}

func TestLoadConfigFile(t *testing.T) {
	configFile := writeTestConfig(t, testConfigYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), configFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	defer loader.Close()

	if cfg.Name != "test-config" {
		t.Errorf("expected name 'test-config', got %s", cfg.Name)
	}
}

func TestParseBytes_JSON(t *testing.T) {
	parsed, err := parseBytes([]byte(`{"version": "1.0", "name": "test"}`))
	if err != nil {
		t.Fatalf("failed to parse JSON bytes: %v", err)
	}
	if parsed["version"] != "1.0" {
		t.Errorf("expected version 1.0, got %v", parsed["version"])
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		input    string
		expected provider.Type
		err      bool
	}{
		{"file", provider.TypeFile, false},
		{"FILE", provider.TypeFile, false},
		{"  file  ", provider.TypeFile, false},
		{"consul", provider.TypeConsul, false},
		{"etcd", provider.TypeEtcd, false},
		{"zookeeper", provider.TypeZookeeper, false},
		{"zk", provider.TypeZookeeper, false},
		{"invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := provider.ParseType(tt.input)
			if tt.err {
				if err == nil {
					t.Errorf("expected error for input %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}
