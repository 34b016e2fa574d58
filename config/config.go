// Package config loads webpbox configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or, failing that, the WEBPBOX_CONFIG environment variable. Without
// either the built-in defaults apply. Values in the file are never
// overridden by other environment variables; the only expansion performed
// is ${VAR} and ${VAR:-default} in paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/caffeineduck/webpbox/webpabi"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "WEBPBOX_CONFIG"

// Backend selects where the codec runs.
type Backend string

const (
	// Native runs the in-process Go codec.
	Native Backend = "native"
	// Wasm runs a libwebp wasm module under wazero.
	Wasm Backend = "wasm"
)

// Config is the webpbox configuration.
type Config struct {
	// Backend is native or wasm.
	Backend Backend `yaml:"backend"`

	// Module configures the wasm codec module.
	Module ModuleConfig `yaml:"module"`

	// Memory caps a codec domain's linear memory: 16mb, 64mb, 256mb or 1gb.
	Memory string `yaml:"memory"`

	// Limits bound the inputs and outputs the driver accepts.
	Limits LimitsConfig `yaml:"limits"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Serve configures the HTTP service.
	Serve ServeConfig `yaml:"serve"`
}

// ModuleConfig configures the wasm backend.
type ModuleConfig struct {
	// Path is the codec module, .wasm or zstd-compressed .wasm.zst.
	Path string `yaml:"path"`

	// Digest is the expected blake3 digest (hex) of the uncompressed
	// module. Empty disables the check.
	Digest string `yaml:"digest"`

	// CacheDir holds compiled modules. Empty uses the default cache
	// directory; "off" disables the cache.
	CacheDir string `yaml:"cache_dir"`
}

// LimitsConfig mirrors codec.Limits.
type LimitsConfig struct {
	MaxDimension   int `yaml:"max_dimension"`
	MaxInputBytes  int `yaml:"max_input_bytes"`
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

// ServeConfig configures `webpbox serve`.
type ServeConfig struct {
	Port int `yaml:"port"`
	// MaxBody caps request bodies in bytes.
	MaxBody int64 `yaml:"max_body"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: Native,
		Memory:  "256mb",
		Limits: LimitsConfig{
			MaxDimension:   webpabi.MaxDimension,
			MaxInputBytes:  64 << 20,
			MaxOutputBytes: 256 << 20,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Serve: ServeConfig{
			Port:    8080,
			MaxBody: 32 << 20,
		},
	}
}

// Load reads the file at path, or the file named by WEBPBOX_CONFIG when
// path is empty. With neither it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Module.Path = expandVars(c.Module.Path)
	c.Module.CacheDir = expandVars(c.Module.CacheDir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// MemoryPages is the configured memory limit in 64KB pages.
func (c *Config) MemoryPages() uint32 {
	return sandbox.ParseMemoryLimit(c.Memory)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case Native:
	case Wasm:
		if c.Module.Path == "" {
			errs = append(errs, errors.New("module.path is required for the wasm backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid backend: %q", c.Backend))
	}

	if c.Module.Digest != "" && !digestPattern.MatchString(c.Module.Digest) {
		errs = append(errs, fmt.Errorf("module.digest must be 64 hex characters"))
	}
	if c.Memory != "" && c.MemoryPages() == 0 {
		errs = append(errs, fmt.Errorf("invalid memory limit: %q", c.Memory))
	}

	if c.Limits.MaxDimension < 1 || c.Limits.MaxDimension > webpabi.MaxDimension {
		errs = append(errs, fmt.Errorf("limits.max_dimension must be in 1..%d", webpabi.MaxDimension))
	}
	if c.Limits.MaxInputBytes <= 0 {
		errs = append(errs, errors.New("limits.max_input_bytes must be positive"))
	}
	if c.Limits.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("limits.max_output_bytes must be positive"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid serve.port: %d", c.Serve.Port))
	}
	if c.Serve.MaxBody <= 0 {
		errs = append(errs, errors.New("serve.max_body must be positive"))
	}

	return errors.Join(errs...)
}

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
