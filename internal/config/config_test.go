package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestLoadLayered_ProjectOverridesUser verifies the project config wins on
// a key both layers set, while keys set by only one layer survive.
func TestLoadLayered_ProjectOverridesUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	userPath, err := UserConfigPath()
	if err != nil {
		t.Fatalf("UserConfigPath: %v", err)
	}
	writeFile(t, userPath, `
default_provider = "user-default"

[providers.openai]
endpoint = "https://api.openai.com/v1"
model = "gpt-4o"
temperature = 0.5

[context]
strategy_type = "sliding_window"
sliding_window_size = 20
`)

	projectDir := t.TempDir()
	writeFile(t, ProjectConfigPath(projectDir), `
default_provider = "openai"

[context]
sliding_window_size = 40
`)

	cfg, err := LoadLayered(projectDir)
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}

	if cfg.DefaultProvider != "openai" {
		t.Fatalf("DefaultProvider = %q, want project override", cfg.DefaultProvider)
	}
	if cfg.Context.StrategyType != "sliding_window" {
		t.Fatalf("StrategyType = %q, want inherited from user layer", cfg.Context.StrategyType)
	}
	if cfg.Context.SlidingWindowSize != 40 {
		t.Fatalf("SlidingWindowSize = %d, want project override 40", cfg.Context.SlidingWindowSize)
	}
	if cfg.Providers["openai"].Model != "gpt-4o" {
		t.Fatalf("Providers[openai].Model not inherited from user layer: %+v", cfg.Providers["openai"])
	}
}

func TestLoadLayered_MissingLayersIsNotError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	projectDir := t.TempDir()
	writeFile(t, ProjectConfigPath(projectDir), `
[providers.openai]
endpoint = "https://api.openai.com/v1"
model = "gpt-4o"
`)

	cfg, err := LoadLayered(projectDir)
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}
	if cfg.Providers["openai"].Model != "gpt-4o" {
		t.Fatalf("expected project-only config to load: %+v", cfg)
	}
}

func TestValidate_RejectsUnknownStrategyType(t *testing.T) {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"openai": {Endpoint: "https://api.openai.com/v1", Model: "gpt-4o"},
		},
		Context: ContextConfig{StrategyType: "bogus"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown strategy_type")
	}
}

func TestMergeMaps_NestedTablesMergeScalarsOverride(t *testing.T) {
	base := map[string]any{
		"a": "base",
		"nested": map[string]any{
			"x": 1,
			"y": 2,
		},
	}
	override := map[string]any{
		"a": "override",
		"nested": map[string]any{
			"y": 20,
			"z": 3,
		},
	}
	merged := mergeMaps(base, override)

	if merged["a"] != "override" {
		t.Fatalf("top-level scalar not overridden: %v", merged["a"])
	}
	nested := merged["nested"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 20 || nested["z"] != 3 {
		t.Fatalf("nested merge wrong: %+v", nested)
	}
}

func TestModelConfig_Entry(t *testing.T) {
	m := ModelConfig{
		Default: "fast",
		Entries: []ModelEntry{
			{Name: "fast", Model: "gpt-4o-mini"},
			{Name: "smart", Model: "gpt-4o"},
		},
	}
	e, ok := m.Entry("")
	if !ok || e.Model != "gpt-4o-mini" {
		t.Fatalf("Entry(\"\") = %+v, ok=%v, want default fast entry", e, ok)
	}
	e, ok = m.Entry("smart")
	if !ok || e.Model != "gpt-4o" {
		t.Fatalf("Entry(smart) = %+v, ok=%v", e, ok)
	}
	_, ok = m.Entry("missing")
	if ok {
		t.Fatal("Entry(missing) should not be found")
	}
}

func TestApplyModelEnvOverrides_FillsMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	cfg := &Config{Model: ModelConfig{Entries: []ModelEntry{
		{Name: "a", Provider: "openai"},
		{Name: "b", Provider: "openai", APIKey: "explicit"},
	}}}
	applyModelEnvOverrides(cfg)
	if cfg.Model.Entries[0].APIKey != "sk-from-env" {
		t.Fatalf("entry a APIKey = %q, want env value", cfg.Model.Entries[0].APIKey)
	}
	if cfg.Model.Entries[1].APIKey != "explicit" {
		t.Fatalf("entry b APIKey = %q, want explicit value preserved", cfg.Model.Entries[1].APIKey)
	}
}
