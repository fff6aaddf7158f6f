// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                       `toml:"default_provider"`
	Providers       map[string]ProviderConfig    `toml:"providers"`
	MCP             MCPConfig                    `toml:"mcp"`
	Cache           CacheConfig                  `toml:"cache"`
	UI              UIConfig                     `toml:"ui"`
	Logging         LoggingConfig                `toml:"logging"`
	Model           ModelConfig                  `toml:"model"`
	Context         ContextConfig                `toml:"context"`
	Hooks           map[string][]HookGroupConfig `toml:"hooks"`
}

// LoggingConfig mirrors the teacher's zerolog wiring, extended with
// rotation/retention knobs this rebuild's ambient logging stack exposes.
type LoggingConfig struct {
	DirPath   string `toml:"dirpath"`
	Filename  string `toml:"filename"`
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	Rotation  string `toml:"rotation"`
	Retention string `toml:"retention"`
	Encoding  string `toml:"encoding"`
}

// ModelEntry describes one selectable model/provider pairing.
type ModelEntry struct {
	Model                  string  `toml:"model"`
	Name                   string  `toml:"name"`
	Provider               string  `toml:"provider"`
	APIKey                 string  `toml:"api_key"`
	BaseURL                string  `toml:"base_url"`
	MaxContextLength       int     `toml:"max_context_length"`
	Temperature            float64 `toml:"temperature"`
	SupportsNativeToolCall bool    `toml:"supports_native_tool_call"`
	FramingTokenOverhead   int     `toml:"framing_token_overhead"`
}

// ModelConfig selects a default model by name out of a list of entries.
type ModelConfig struct {
	Default string       `toml:"default"`
	Entries []ModelEntry `toml:"entries"`
}

// Entry returns the named model entry. An empty name selects m.Default;
// when that is empty too, the first entry is returned.
func (m ModelConfig) Entry(name string) (ModelEntry, bool) {
	if name == "" {
		name = m.Default
	}
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	if name == "" && len(m.Entries) > 0 {
		return m.Entries[0], true
	}
	return ModelEntry{}, false
}

// ContextConfig configures the Context Manager's compression strategy.
// StrategyType is validated and converted by the caller into
// contextmanager.StrategyType — config stays string-typed so an unknown
// value from either layer surfaces as a config validation error rather
// than a silently-ignored one.
type ContextConfig struct {
	StrategyType      string  `toml:"strategy_type"`
	SlidingWindowSize int     `toml:"sliding_window_size"`
	SummaryThreshold  float64 `toml:"summary_threshold"`
	SummaryKeepRecent int     `toml:"summary_keep_recent"`
	SummaryModel      string  `toml:"summary_model"`
}

// HookEntry is one hook command within a HookGroupConfig.
type HookEntry struct {
	Name    string `toml:"name"`
	Command string `toml:"command"`
	Timeout int    `toml:"timeout"` // seconds, 0 means the hooks package default
	Matcher string `toml:"matcher"`
}

// HookGroupConfig is one TOML-configured hook group for a lifecycle event,
// e.g. `hooks.BeforeTool = [{matcher = "Edit", hooks = [...]}]`.
type HookGroupConfig struct {
	Matcher    string      `toml:"matcher"`
	Sequential bool        `toml:"sequential"`
	Hooks      []HookEntry `toml:"hooks"`
}

// UIConfig holds user-interface settings.
type UIConfig struct {
	// SyntaxTheme is the Chroma syntax highlighting theme used across the TUI.
	// UI chrome colors are derived from this theme via highlight.ThemePalette.
	// Defaults to "vulcan" if unset.
	SyntaxTheme string `toml:"syntax_theme"`
}

// SyntaxThemeOrDefault returns the configured syntax theme or "vulcan" if unset.
func (u UIConfig) SyntaxThemeOrDefault() string {
	if u.SyntaxTheme == "" {
		return "vulcan"
	}
	return u.SyntaxTheme
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// Load reads configuration from a single TOML file and applies environment
// variable overrides. Kept for callers (and tests) that want one explicit
// file rather than the layered user+project lookup; LoadLayered is the
// normal entry point.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UserConfigPath returns the user-level config file path,
// ~/.config/eflycode/config.toml.
func UserConfigPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ProjectConfigPath returns the project-level config file path,
// ./.eflycode/config.toml, relative to the given working directory.
func ProjectConfigPath(workDir string) string {
	return filepath.Join(workDir, ".eflycode", "config.toml")
}

// LoadLayered merges the user-level and project-level TOML config files,
// project overriding user key-by-key via a recursive map merge, then
// decodes the merged document into a Config and applies environment
// overrides. Either file may be absent; an absent layer simply
// contributes nothing. Returns an error only for a malformed file that
// does exist, or a Config that fails Validate once merged.
func LoadLayered(workDir string) (*Config, error) {
	merged := map[string]any{}

	userPath, err := UserConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve user config path: %w", err)
	}
	for _, path := range []string{userPath, ProjectConfigPath(workDir)} {
		layer, err := decodeLayer(path)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, layer)
	}

	cfg := &Config{Providers: make(map[string]ProviderConfig)}
	if len(merged) > 0 {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(merged); err != nil {
			return nil, fmt.Errorf("re-encode merged config: %w", err)
		}
		if _, err := toml.Decode(buf.String(), cfg); err != nil {
			return nil, fmt.Errorf("decode merged config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyModelEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeLayer reads path as a TOML document into a generic map. A missing
// file decodes to an empty, non-error layer.
func decodeLayer(path string) (map[string]any, error) {
	if _, err := os.Stat(path); err != nil {
		return map[string]any{}, nil
	}
	var layer map[string]any
	if _, err := toml.DecodeFile(path, &layer); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return layer, nil
}

// mergeMaps recursively merges override into base, returning base.
// Nested tables merge key-by-key; any other value (including a slice, to
// match TOML array-of-tables semantics) is replaced wholesale by the
// overriding layer's value.
func mergeMaps(base, override map[string]any) map[string]any {
	for k, v := range override {
		if existing, ok := base[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			overrideMap, overrideIsMap := v.(map[string]any)
			if existingIsMap && overrideIsMap {
				base[k] = mergeMaps(existingMap, overrideMap)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if c.Context.StrategyType != "" && c.Context.StrategyType != "sliding_window" && c.Context.StrategyType != "summary" {
		errs = append(errs, fmt.Errorf("context.strategy_type=%q must be sliding_window or summary", c.Context.StrategyType))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SYMB_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// apiKeyEnvVars maps a model entry's provider name to the environment
// variable convention secrets are read from, following the teacher's
// applyEnvOverrides pattern extended to the layered model.entries list.
var apiKeyEnvVars = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"opencode": "ECHO_API_KEY",
	"zen":      "ECHO_API_KEY",
}

// applyModelEnvOverrides fills in an empty model entry api_key from the
// environment, by provider name convention. An api_key already set in
// either config layer takes precedence.
func applyModelEnvOverrides(cfg *Config) {
	for i, entry := range cfg.Model.Entries {
		if entry.APIKey != "" {
			continue
		}
		envVar, ok := apiKeyEnvVars[entry.Provider]
		if !ok {
			continue
		}
		if v := os.Getenv(envVar); v != "" {
			cfg.Model.Entries[i].APIKey = v
		}
	}
}

// DataDir returns the path to the eflycode data directory (~/.config/eflycode).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "eflycode"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
