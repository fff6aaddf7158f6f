package config

import (
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
)

func TestRegisterHooks_TranslatesGroupsByEvent(t *testing.T) {
	registry := hooks.NewRegistry()
	cfg := map[string][]HookGroupConfig{
		"BeforeTool": {
			{
				Matcher:    "Edit",
				Sequential: true,
				Hooks: []HookEntry{
					{Name: "lint", Command: "golangci-lint run", Timeout: 30, Matcher: "Edit"},
				},
			},
		},
	}

	RegisterHooks(registry, cfg)

	groups := registry.ForEvent(hooks.EventBeforeTool, "Edit")
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Hooks) != 1 || groups[0].Hooks[0].Name != "lint" {
		t.Fatalf("unexpected hooks in group: %+v", groups[0])
	}
	if groups[0].Hooks[0].Timeout.Seconds() != 30 {
		t.Fatalf("Timeout = %v, want 30s", groups[0].Hooks[0].Timeout)
	}
}

func TestContextConfig_StrategyConfig(t *testing.T) {
	c := ContextConfig{
		StrategyType:      "summary",
		SummaryThreshold:  0.8,
		SummaryKeepRecent: 10,
		SummaryModel:      "gpt-4o-mini",
	}
	sc := c.StrategyConfig()
	if sc.Type != contextmanager.StrategySummary {
		t.Fatalf("Type = %v, want StrategySummary", sc.Type)
	}
	if sc.SummaryThreshold != 0.8 || sc.SummaryKeepRecent != 10 || sc.SummaryModel != "gpt-4o-mini" {
		t.Fatalf("unexpected StrategyConfig: %+v", sc)
	}
}
