package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a configuration file, applies defaults for omitted fields,
// applies environment overrides, and validates the result. An empty path
// returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		if err := unmarshalInto(path, data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// unmarshalInto decodes YAML or JSON based on the file extension. YAML is
// converted through JSON so both formats share one set of field semantics.
func unmarshalInto(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse YAML config: %w", err)
		}
		jsonData, err := json.Marshal(normalizeYAML(raw))
		if err != nil {
			return fmt.Errorf("convert YAML config: %w", err)
		}
		if err := json.Unmarshal(jsonData, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// normalizeYAML converts map[any]any trees produced by the YAML decoder
// into map[string]any trees acceptable to the JSON encoder.
func normalizeYAML(v any) any {
	switch value := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(value))
		for k, item := range value {
			result[k] = normalizeYAML(item)
		}
		return result
	case map[any]any:
		result := make(map[string]any, len(value))
		for k, item := range value {
			result[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return result
	case []any:
		result := make([]any, len(value))
		for i, item := range value {
			result[i] = normalizeYAML(item)
		}
		return result
	default:
		return v
	}
}
