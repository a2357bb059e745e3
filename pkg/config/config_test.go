package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "info"

resources:
  - name: "demoResc"
    type: "unixfilesystem"
    vault_path: "/tmp/vault"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Zone != DefaultZone {
		t.Errorf("Expected default zone %q, got %q", DefaultZone, cfg.Server.Zone)
	}
	if cfg.Server.DefaultResource != "demoResc" {
		t.Errorf("Expected default resource 'demoResc', got %q", cfg.Server.DefaultResource)
	}
	if cfg.Resources[0].Status != "up" {
		t.Errorf("Expected resource status 'up', got %q", cfg.Resources[0].Status)
	}
	if cfg.Resources[0].Zone != DefaultZone {
		t.Errorf("Expected resource zone %q, got %q", DefaultZone, cfg.Resources[0].Zone)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Use a non-existent explicit path so the user's own config is not read
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Catalog.Type != "memory" {
		t.Errorf("Expected default catalog type 'memory', got %q", cfg.Catalog.Type)
	}
	if len(cfg.Resources) != 1 || cfg.Resources[0].Type != "unixfilesystem" {
		t.Errorf("Expected a single unixfilesystem resource, got %+v", cfg.Resources)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidTopology(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
resources:
  - name: "leaf"
    type: "unixfilesystem"
    parent: "missing"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for unknown parent")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[catalog]
type = "memory"

[[resources]]
name = "compResc"
type = "compound"

[[resources]]
name = "cacheResc"
type = "unixfilesystem"
parent = "compResc"
parent_context = "cache"

[[resources]]
name = "archiveResc"
type = "unixfilesystem"
parent = "compResc"
parent_context = "archive"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if len(cfg.Resources) != 3 {
		t.Fatalf("Expected 3 resources, got %d", len(cfg.Resources))
	}
	if cfg.Server.DefaultResource != "compResc" {
		t.Errorf("Expected default resource 'compResc', got %q", cfg.Server.DefaultResource)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Catalog.Type != "memory" {
		t.Errorf("Expected default catalog type 'memory', got %q", cfg.Catalog.Type)
	}
	if cfg.Redirect.Directory.Type != "static" {
		t.Errorf("Expected default directory type 'static', got %q", cfg.Redirect.Directory.Type)
	}
	if len(cfg.Resources) != 4 {
		t.Errorf("Expected 4 default resources, got %d", len(cfg.Resources))
	}
	if cfg.Server.DefaultResource != "demoResc" {
		t.Errorf("Expected default resource 'demoResc', got %q", cfg.Server.DefaultResource)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in an empty config home")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	dir := GetConfigDir()

	if filepath.Base(dir) != "stratafs" {
		t.Errorf("Expected directory name 'stratafs', got %q", filepath.Base(dir))
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if got, want := GetConfigDir(), filepath.Join(xdg, "stratafs"); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("STRATAFS_LOGGING_LEVEL", "ERROR")
	t.Setenv("STRATAFS_SERVER_ZONE", "otherZone")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

server:
  zone: "tempZone"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Environment variables override the config file
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Zone != "otherZone" {
		t.Errorf("Expected zone 'otherZone' from env var, got %q", cfg.Server.Zone)
	}
	if cfg.Resources[0].Zone != "otherZone" {
		t.Errorf("Expected resources to inherit zone 'otherZone', got %q", cfg.Resources[0].Zone)
	}
}
