package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# StrataFS Configuration File
#
# Every key can be overridden with an environment variable:
#   logging.level -> STRATAFS_LOGGING_LEVEL
#
# resources defines the topology. A resource with a parent becomes a child
# of that resource; children of a compound resource need parent_context
# "cache" or "archive".
`

// InitConfig writes a sample configuration to the default location.
//
// Returns the path written. Fails if a file already exists unless force is
// set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use force to overwrite)", path)
		}
	}

	content, err := SampleConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SampleConfig renders GetDefaultConfig as commented YAML.
func SampleConfig() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(sampleHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(GetDefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	return buf.Bytes(), nil
}
