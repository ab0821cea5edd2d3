package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const toolsKey = "tools"

// ToolPolicy overrides one tool's defaults. Nil fields are left unchanged.
type ToolPolicy struct {
	Timeout       *time.Duration
	DegradeErrors *bool
}

// LoadToolPolicies reads per-tool overrides from a YAML file shaped as
//
//	tools:
//	  ask_ai:
//	    timeout: 90s
//	    degrade_errors: true
func LoadToolPolicies(path string) (map[string]ToolPolicy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tool policy file %s: %w", path, err)
	}

	policies := make(map[string]ToolPolicy)
	for name := range v.GetStringMap(toolsKey) {
		prefix := toolsKey + "." + name + "."
		var p ToolPolicy

		if v.IsSet(prefix + "timeout") {
			raw := strings.TrimSpace(v.GetString(prefix + "timeout"))
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("tool %s: invalid timeout %q", name, raw)
			}
			p.Timeout = &d
		}
		if v.IsSet(prefix + "degrade_errors") {
			b := v.GetBool(prefix + "degrade_errors")
			p.DegradeErrors = &b
		}
		policies[name] = p
	}
	return policies, nil
}
