package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	configPathVar = "PWPCTL_CONFIG"
	baseURLVar    = "PWP_BASE_URL"
	apiKeyVar     = "PWP_API_KEY"
)

// ErrConfigExists is returned by InitConfig when a config file is already
// present and force is not set.
var ErrConfigExists = errors.New("config file already exists")

// Config is the pwpctl configuration file: named gopersonalize servers and
// the simulated visitor used by "pwpctl resolve".
type Config struct {
	DefaultEnv   string               `yaml:"default_env"`
	Environments map[string]EnvConfig `yaml:"environments"`
	VisitorDir   string               `yaml:"visitor_dir,omitempty"`
}

// EnvConfig addresses one server through its admin API.
type EnvConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// MaskedKey shows at most the first four characters of the admin key.
func (e EnvConfig) MaskedKey() string {
	if len(e.APIKey) > 4 {
		return e.APIKey[:4] + "***"
	}
	return "***"
}

// Names returns the configured environment names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set assigns base_url or api_key of one environment, creating it when
// needed.
func (c *Config) Set(envName, key, value string) error {
	if envName == "" {
		return fmt.Errorf("environment name is required")
	}
	if c.Environments == nil {
		c.Environments = make(map[string]EnvConfig)
	}
	e := c.Environments[envName]
	switch key {
	case "base_url":
		e.BaseURL = value
	case "api_key":
		e.APIKey = value
	default:
		return fmt.Errorf("unknown key '%s', valid keys: base_url, api_key", key)
	}
	c.Environments[envName] = e
	return nil
}

// GetConfigPath returns ~/.pwpctl/config.yaml unless PWPCTL_CONFIG names
// another file.
func GetConfigPath() (string, error) {
	if p := os.Getenv(configPathVar); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pwpctl", "config.yaml"), nil
}

// GetVisitorDir returns the directory holding the simulated visitor's
// markers, next to the config file unless configured.
func GetVisitorDir(cfg *Config) (string, error) {
	if cfg != nil && cfg.VisitorDir != "" {
		return cfg.VisitorDir, nil
	}
	configPath, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(configPath), "visitor"), nil
}

// LoadConfig reads the config file. A missing file yields an empty config
// defaulting to "dev".
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{DefaultEnv: "dev", Environments: map[string]EnvConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Environments == nil {
		cfg.Environments = map[string]EnvConfig{}
	}
	return &cfg, nil
}

// SaveConfig writes the config file with owner-only permissions since it
// holds admin keys.
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// InitConfig writes a config pointing "dev" at a local server started with
// the default admin key.
func InitConfig(force bool) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
		}
	}
	return SaveConfig(&Config{
		DefaultEnv: "dev",
		Environments: map[string]EnvConfig{
			"dev": {BaseURL: "http://localhost:8080", APIKey: "admin-123"},
		},
	})
}

// GetEnvConfig resolves the server to talk to and the effective
// environment name.
//
// A complete pair of --base-url/--api-key flags, or of PWP_BASE_URL and
// PWP_API_KEY, is used as is and needs an explicit --env. Otherwise the
// named (or default) environment is read from the config file and any
// single flag or variable overrides its field, flags first.
func GetEnvConfig(envName, baseURLFlag, apiKeyFlag string) (*EnvConfig, string, error) {
	envBaseURL, envAPIKey := os.Getenv(baseURLVar), os.Getenv(apiKeyVar)

	for _, layer := range []struct {
		base, key, origin string
	}{
		{baseURLFlag, apiKeyFlag, "--base-url and --api-key flags"},
		{envBaseURL, envAPIKey, baseURLVar + " and " + apiKeyVar + " environment variables"},
	} {
		if layer.base == "" || layer.key == "" {
			continue
		}
		if envName == "" {
			return nil, "", fmt.Errorf("--env flag is required when using %s", layer.origin)
		}
		return &EnvConfig{BaseURL: layer.base, APIKey: layer.key}, envName, nil
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, "", err
	}
	if envName == "" {
		envName = cfg.DefaultEnv
	}
	envCfg, ok := cfg.Environments[envName]
	if !ok {
		return nil, "", fmt.Errorf("environment '%s' not found in config", envName)
	}

	envCfg.BaseURL = firstNonEmpty(baseURLFlag, envBaseURL, envCfg.BaseURL)
	envCfg.APIKey = firstNonEmpty(apiKeyFlag, envAPIKey, envCfg.APIKey)
	if envCfg.BaseURL == "" || envCfg.APIKey == "" {
		return nil, "", fmt.Errorf("base_url and api_key must be configured for environment '%s'", envName)
	}
	return &envCfg, envName, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
