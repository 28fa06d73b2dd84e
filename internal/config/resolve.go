package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File discovery conventions. The project config is looked up in the
// working directory unless an explicit path is given; secret files carry
// the connection credentials and are conventionally git-ignored.
const (
	appDir            = ".myjob"
	secretFileName    = "secret.yaml"
	configFileName    = "myjob.yaml"
	configFileNameYml = "myjob.yml"
)

// GlobalSecretPath returns the fixed per-user secrets file path.
func GlobalSecretPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, appDir, secretFileName), nil
}

// FindConfigFile locates the project configuration file. An explicit path
// must exist; otherwise myjob.yaml / myjob.yml in the working directory
// are tried in order. An empty return with nil error means no project
// config is present.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", &ConfigError{File: explicitPath, Err: fmt.Errorf("config file not found: %w", err)}
		}
		return explicitPath, nil
	}
	for _, name := range []string{configFileName, configFileNameYml} {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", nil
}

// Resolve merges all configuration sources and validates the result.
// Precedence, lowest to highest: global secrets, project secrets (next to
// the project config), project config, caller overrides. Maps merge
// recursively; scalars and sequences are replaced wholesale by the higher
// precedence source.
func Resolve(explicitPath string, overrides map[string]interface{}) (*Config, error) {
	merged := map[string]interface{}{}

	globalSecret, err := GlobalSecretPath()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	if doc, err := loadYAMLFile(globalSecret); err != nil {
		return nil, err
	} else if doc != nil {
		merged = DeepMerge(merged, doc)
	}

	configPath, err := FindConfigFile(explicitPath)
	if err != nil {
		return nil, err
	}

	projectSecret := secretFileName
	if configPath != "" {
		projectSecret = filepath.Join(filepath.Dir(configPath), secretFileName)
	}
	if doc, err := loadYAMLFile(projectSecret); err != nil {
		return nil, err
	} else if doc != nil {
		merged = DeepMerge(merged, doc)
	}

	if configPath != "" {
		doc, err := loadYAMLFile(configPath)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			merged = DeepMerge(merged, doc)
		}
	}

	if len(overrides) > 0 {
		merged = DeepMerge(merged, overrides)
	}

	cfg, err := fromTree(merged)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeepMerge unifies two configuration trees. Mapping keys merge
// recursively; any other value from override replaces the base wholesale.
// Neither input is mutated.
func DeepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// loadYAMLFile reads one YAML source into a tree. A missing file is not an
// error (secret files are optional); a malformed one is fatal with the
// parser's file and line context preserved.
func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ConfigError{File: path, Err: fmt.Errorf("failed to read: %w", err)}
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{File: path, Err: err}
	}
	return doc, nil
}

// fromTree decodes a merged tree into the typed Config.
func fromTree(tree map[string]interface{}) (*Config, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to re-encode merged config: %w", err)}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return &cfg, nil
}
