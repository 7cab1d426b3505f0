package interceptor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-serializable module-settings shape this module
// accepts. Values loaded from a file are applied as explicit options at
// New time, ahead of environment variables and built-in defaults: one
// struct, one LoadConfigFile, populated once.
type FileConfig struct {
	Enabled          *bool          `yaml:"enabled,omitempty"`
	Store            string         `yaml:"store,omitempty"`
	StoreConfig      map[string]any `yaml:"store_config,omitempty"`
	CaptureMessages  *bool          `yaml:"capture_messages,omitempty"`
	CaptureToolArgs  *bool          `yaml:"capture_tool_args,omitempty"`
	CaptureInput     *bool          `yaml:"capture_input,omitempty"`
	CaptureOutput    *bool          `yaml:"capture_output,omitempty"`
	SanitizePatterns []string       `yaml:"sanitize_patterns,omitempty"`
}

// LoadConfigFile parses a YAML module-settings file into a FileConfig.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("interceptor: read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("interceptor: parse config %s: %w", path, err)
	}
	return &fc, nil
}

// WithFileConfig applies every field set in fc as an explicit Config
// value, taking priority over environment variables and defaults, the
// same as any other Option.
func WithFileConfig(fc *FileConfig) Option {
	return func(c *Config) {
		if fc == nil {
			return
		}
		if fc.Enabled != nil {
			c.Enabled = fc.Enabled
		}
		if fc.Store != "" {
			c.Store = fc.Store
		}
		if fc.StoreConfig != nil {
			c.StoreConfig = fc.StoreConfig
		}
		if fc.CaptureMessages != nil {
			c.CaptureMessages = fc.CaptureMessages
		}
		if fc.CaptureToolArgs != nil {
			c.CaptureToolArgs = fc.CaptureToolArgs
		}
		if fc.CaptureInput != nil {
			c.CaptureInput = fc.CaptureInput
		}
		if fc.CaptureOutput != nil {
			c.CaptureOutput = fc.CaptureOutput
		}
		if len(fc.SanitizePatterns) > 0 {
			c.SanitizePatterns = fc.SanitizePatterns
		}
	}
}

// WithConfigFile loads path as YAML and applies it via WithFileConfig. A
// missing or unparseable file is returned as an error rather than a
// panic, since module-settings loading can run ahead of New.
func WithConfigFile(path string) (Option, error) {
	fc, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	return WithFileConfig(fc), nil
}

// Describe renders the resolved configuration as YAML, the shape the
// "audit config" CLI verb prints.
func (r resolved) Describe() (string, error) {
	fc := FileConfig{
		Enabled:          &r.enabled,
		Store:            r.store,
		StoreConfig:      r.storeConfig,
		CaptureMessages:  &r.captureMessages,
		CaptureToolArgs:  &r.captureToolArgs,
		CaptureInput:     &r.captureInput,
		CaptureOutput:    &r.captureOutput,
		SanitizePatterns: r.sanitizePatterns,
	}
	b, err := yaml.Marshal(fc)
	if err != nil {
		return "", fmt.Errorf("interceptor: describe: %w", err)
	}
	return string(b), nil
}

// Describe exposes the interceptor's resolved configuration as YAML.
func (ic *Interceptor) Describe() (string, error) { return ic.config.Describe() }
