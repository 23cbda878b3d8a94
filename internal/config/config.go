// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the resolved configuration.
type Config struct {
	// Instance settings. OAuthBaseURL and APIBaseURL default to paths
	// under BaseURL but can be pointed elsewhere for split deployments.
	BaseURL      string `json:"base_url" yaml:"base_url"`
	OAuthBaseURL string `json:"oauth_base_url,omitempty" yaml:"oauth_base_url,omitempty"`
	APIBaseURL   string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`

	// OAuth client settings
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
	Scope        string `json:"scope" yaml:"scope"`
	RedirectURI  string `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty"`

	// Output settings
	Format string `json:"format" yaml:"format"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `json:"-" yaml:"-"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	BaseURL string
	Format  string
}

// DefaultRedirectURI is the loopback callback used to receive the
// authorization code.
const DefaultRedirectURI = "http://127.0.0.1:8978/callback"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:     "https://community.openproject.org",
		Scope:       "api_v3",
		RedirectURI: DefaultRedirectURI,
		Format:      "json",
		Sources:     make(map[string]string),
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	loadFromFile(cfg, systemConfigPath(), SourceSystem)
	if path := globalConfigPath(); path != "" {
		loadFromFile(cfg, path, SourceGlobal)
	}

	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string, source Source) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return // File doesn't exist, skip
	}

	var fileCfg Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, &fileCfg)
	} else {
		err = json.Unmarshal(data, &fileCfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
		return
	}

	set := func(key string, dst *string, v string) {
		if v != "" {
			*dst = v
			cfg.Sources[key] = string(source)
		}
	}
	set("base_url", &cfg.BaseURL, fileCfg.BaseURL)
	set("oauth_base_url", &cfg.OAuthBaseURL, fileCfg.OAuthBaseURL)
	set("api_base_url", &cfg.APIBaseURL, fileCfg.APIBaseURL)
	set("client_id", &cfg.ClientID, fileCfg.ClientID)
	set("client_secret", &cfg.ClientSecret, fileCfg.ClientSecret)
	set("scope", &cfg.Scope, fileCfg.Scope)
	set("redirect_uri", &cfg.RedirectURI, fileCfg.RedirectURI)
	set("format", &cfg.Format, fileCfg.Format)
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(cfg *Config) {
	env := func(key, name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
			cfg.Sources[key] = string(SourceEnv)
		}
	}
	env("base_url", "OPCLI_BASE_URL", &cfg.BaseURL)
	env("oauth_base_url", "OPCLI_OAUTH_BASE_URL", &cfg.OAuthBaseURL)
	env("api_base_url", "OPCLI_API_BASE_URL", &cfg.APIBaseURL)
	env("client_id", "OPCLI_CLIENT_ID", &cfg.ClientID)
	env("client_secret", "OPCLI_CLIENT_SECRET", &cfg.ClientSecret)
	env("scope", "OPCLI_SCOPE", &cfg.Scope)
	env("redirect_uri", "OPCLI_REDIRECT_URI", &cfg.RedirectURI)
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
		cfg.Sources["base_url"] = string(SourceFlag)
	}
	if o.Format != "" {
		cfg.Format = o.Format
		cfg.Sources["format"] = string(SourceFlag)
	}
}

// OAuthBase returns the OAuth endpoint root, derived from BaseURL unless
// configured explicitly.
func (cfg *Config) OAuthBase() string {
	if cfg.OAuthBaseURL != "" {
		return NormalizeBaseURL(cfg.OAuthBaseURL)
	}
	return NormalizeBaseURL(cfg.BaseURL) + "/oauth"
}

// APIBase returns the API endpoint root, derived from BaseURL unless
// configured explicitly.
func (cfg *Config) APIBase() string {
	if cfg.APIBaseURL != "" {
		return NormalizeBaseURL(cfg.APIBaseURL)
	}
	return NormalizeBaseURL(cfg.BaseURL) + "/api/v3"
}

// Path helpers

func systemConfigPath() string {
	return "/etc/opcli/config.json"
}

// globalConfigPath returns the first existing global config file,
// preferring JSON over YAML, or the JSON path if neither exists.
func globalConfigPath() string {
	dir := GlobalConfigDir()
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "opcli")
}

// NormalizeBaseURL ensures consistent URL format (no trailing slash).
func NormalizeBaseURL(url string) string {
	return strings.TrimSuffix(url, "/")
}
