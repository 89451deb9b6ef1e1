package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aigos.yaml")

	yamlContent := `
server:
  host: 127.0.0.1
  port: 8080
  log_level: debug
  cors: true
  auth:
    - token: tok-acme
      org_id: org_acme

policy:
  dry_run: true
  max_cache_size: 64
  custom_rules:
    - name: no-prod-writes
      expression: 'resource == "prod" && action.startsWith("db:write")'
      message: "no production writes"

killswitch:
  clock_skew: 90s
  max_parallel_terminations: 5

token:
  issuer: aigos-test
  ttl: 120s

events:
  max_batch_size: 50
  rate_limit:
    limit: 10
    window: 30s
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want \"127.0.0.1\"", cfg.Server.Host)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if len(cfg.Server.Auth) != 1 || cfg.Server.Auth[0].OrgID != "org_acme" {
		t.Errorf("Server.Auth = %+v, want one org_acme entry", cfg.Server.Auth)
	}

	if !cfg.Policy.DryRun {
		t.Error("Policy.DryRun = false, want true")
	}
	if cfg.Policy.MaxCacheSize != 64 {
		t.Errorf("Policy.MaxCacheSize = %d, want 64", cfg.Policy.MaxCacheSize)
	}
	if len(cfg.Policy.CustomRules) != 1 || cfg.Policy.CustomRules[0].Name != "no-prod-writes" {
		t.Errorf("Policy.CustomRules = %+v, want one no-prod-writes rule", cfg.Policy.CustomRules)
	}

	if cfg.KillSwitch.ClockSkew != 90*time.Second {
		t.Errorf("KillSwitch.ClockSkew = %v, want 90s", cfg.KillSwitch.ClockSkew)
	}
	if cfg.KillSwitch.MaxParallelTerminations != 5 {
		t.Errorf("KillSwitch.MaxParallelTerminations = %d, want 5", cfg.KillSwitch.MaxParallelTerminations)
	}

	if cfg.Token.Issuer != "aigos-test" {
		t.Errorf("Token.Issuer = %q, want \"aigos-test\"", cfg.Token.Issuer)
	}
	if cfg.Token.TTL != 120*time.Second {
		t.Errorf("Token.TTL = %v, want 120s", cfg.Token.TTL)
	}

	if cfg.Events.MaxBatchSize != 50 {
		t.Errorf("Events.MaxBatchSize = %d, want 50", cfg.Events.MaxBatchSize)
	}
	if cfg.Events.RateLimit.Limit != 10 {
		t.Errorf("Events.RateLimit.Limit = %d, want 10", cfg.Events.RateLimit.Limit)
	}

	// Unset sections keep their defaults.
	if cfg.Events.Storage.Driver != "sqlite" {
		t.Errorf("Events.Storage.Driver = %q, want default \"sqlite\"", cfg.Events.Storage.Driver)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Server.Port != 6780 {
		t.Errorf("default Server.Port = %d, want 6780", cfg.Server.Port)
	}
	if cfg.Token.TTL != 300*time.Second {
		t.Errorf("default Token.TTL = %v, want 300s", cfg.Token.TTL)
	}
	if !cfg.KillSwitch.VerifySignatures {
		t.Error("default KillSwitch.VerifySignatures = false, want true")
	}
	if cfg.KillSwitch.MaxParallelTerminations != 10 {
		t.Errorf("default MaxParallelTerminations = %d, want 10", cfg.KillSwitch.MaxParallelTerminations)
	}
	if cfg.KillSwitch.TerminationTimeout != 30*time.Second {
		t.Errorf("default TerminationTimeout = %v, want 30s", cfg.KillSwitch.TerminationTimeout)
	}
	if cfg.Events.MaxBatchSize != 1000 {
		t.Errorf("default MaxBatchSize = %d, want 1000", cfg.Events.MaxBatchSize)
	}
	if !cfg.Events.RateLimit.CriticalExempt {
		t.Error("default RateLimit.CriticalExempt = false, want true")
	}
	if cfg.Events.Checkpoint.MaxLeaves != 1000 {
		t.Errorf("default Checkpoint.MaxLeaves = %d, want 1000", cfg.Events.Checkpoint.MaxLeaves)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	if err := loader.Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aigos.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aigos.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	if err := loader.Reload(); err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_AIGOS_PORT", "9999")
	os.Setenv("TEST_AIGOS_SECRET", "my-secret")
	defer os.Unsetenv("TEST_AIGOS_PORT")
	defer os.Unsetenv("TEST_AIGOS_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "port: ${TEST_AIGOS_PORT}",
			want:  "port: 9999",
		},
		{
			name:  "multiple substitutions",
			input: "port: ${TEST_AIGOS_PORT}\nsecret: ${TEST_AIGOS_SECRET}",
			want:  "port: 9999\nsecret: my-secret",
		},
		{
			name:  "undefined variable",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ}",
			want:  "value: ",
		},
		{
			name:  "default value syntax",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}",
			want:  "value: default-val",
		},
		{
			name:  "default value not used when env var set",
			input: "port: ${TEST_AIGOS_PORT:-1234}",
			want:  "port: 9999",
		},
		{
			name:  "no env vars",
			input: "port: 8080",
			want:  "port: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("AIGOS_SERVER_PORT", "7777")
	os.Setenv("AIGOS_TOKEN_ISSUER", "aigos-env")
	os.Setenv("AIGOS_TOKEN_TTL", "90s")
	defer os.Unsetenv("AIGOS_SERVER_PORT")
	defer os.Unsetenv("AIGOS_TOKEN_ISSUER")
	defer os.Unsetenv("AIGOS_TOKEN_TTL")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "aigos.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.Port != 7777 {
		t.Errorf("env override port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Token.Issuer != "aigos-env" {
		t.Errorf("env override issuer = %q, want \"aigos-env\"", cfg.Token.Issuer)
	}
	if cfg.Token.TTL != 90*time.Second {
		t.Errorf("env override ttl = %v, want 90s", cfg.Token.TTL)
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aigos.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	if loader.Get().Server.Port != 6780 {
		t.Errorf("generated config port = %d, want 6780", loader.Get().Server.Port)
	}
}
