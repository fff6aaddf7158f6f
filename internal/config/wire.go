package config

import (
	"time"

	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
)

// RegisterHooks translates the TOML-configured hook groups into the
// runtime hooks.Registry, one RegisterGroup call per configured
// lifecycle event.
func RegisterHooks(registry *hooks.Registry, cfg map[string][]HookGroupConfig) {
	for event, groups := range cfg {
		for _, g := range groups {
			registry.RegisterGroup(hooks.EventName(event), g.toHookGroup())
		}
	}
}

func (g HookGroupConfig) toHookGroup() hooks.HookGroup {
	out := hooks.HookGroup{Matcher: g.Matcher, Sequential: g.Sequential}
	for _, h := range g.Hooks {
		out.Hooks = append(out.Hooks, h.toHook())
	}
	return out
}

func (h HookEntry) toHook() hooks.Hook {
	hook := hooks.Hook{Name: h.Name, Command: h.Command, Matcher: h.Matcher}
	if h.Timeout > 0 {
		hook.Timeout = time.Duration(h.Timeout) * time.Second
	}
	return hook
}

// StrategyConfig converts the validated ContextConfig into the
// contextmanager's own config type. Call only after Config.Validate has
// accepted c.StrategyType. An empty StrategyType converts to a
// StrategyConfig with an empty Type, which contextmanager.Manage rejects
// with ErrUnknownStrategy; Manage skips compression only for a nil
// *StrategyConfig, so callers with no strategy configured pass nil instead
// of calling this.
func (c ContextConfig) StrategyConfig() contextmanager.StrategyConfig {
	return contextmanager.StrategyConfig{
		Type:              contextmanager.StrategyType(c.StrategyType),
		SummaryThreshold:  c.SummaryThreshold,
		SummaryKeepRecent: c.SummaryKeepRecent,
		SummaryModel:      c.SummaryModel,
		SlidingWindowSize: c.SlidingWindowSize,
	}
}
