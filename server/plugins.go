package server

import (
	"fmt"
	"time"

	"github.com/eliasyaoyc/rsmqtt/config"
	"github.com/eliasyaoyc/rsmqtt/conn"
	"github.com/eliasyaoyc/rsmqtt/hook"
)

// buildConfiguredPlugin turns cfg.Plugins into a single conn.Plugin backed
// by one shared hook.Manager, the wiring spec.md §6's "plugin list with
// per-plugin config" describes. The only hook.Hook implementations a config
// entry can name are "basic-auth" (hook.BasicAuthHook) and "rate-limit"
// (hook.RateLimitHook); a config entry naming anything else is a startup
// error rather than a silently-ignored plugin. Returns a nil Plugin (not an
// error) when no plugins are configured.
func buildConfiguredPlugin(plugins []config.Plugin) (conn.Plugin, error) {
	if len(plugins) == 0 {
		return nil, nil
	}

	mgr := hook.NewManager()
	for _, p := range plugins {
		var h hook.Hook
		switch p.Name {
		case "basic-auth":
			auth := hook.NewBasicAuthHook()
			for username, password := range stringConfigMap(p.Config["users"]) {
				auth.AddUser(username, password)
			}
			h = auth
		case "rate-limit":
			maxRate := intConfigField(p.Config["max_rate"], 100)
			window := time.Duration(floatConfigField(p.Config["window_seconds"], 60)) * time.Second
			h = hook.NewRateLimitHook(maxRate, window)
		default:
			return nil, fmt.Errorf("server: unknown plugin %q", p.Name)
		}
		if err := mgr.Add(h); err != nil {
			return nil, fmt.Errorf("server: adding plugin %q: %w", p.Name, err)
		}
	}

	return hook.NewManagerPlugin(mgr), nil
}

func stringConfigMap(v interface{}) map[string]string {
	raw, _ := v.(map[string]interface{})
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func intConfigField(v interface{}, def int) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return def
}

func floatConfigField(v interface{}, def float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}
