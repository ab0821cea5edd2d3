package mcp

import "time"

const (
	DefaultToolTimeout = 55 * time.Second

	timeoutMessage = "Request timed out. The API is slow right now, try again in a moment."
)

// ToolPolicy controls how one tool is bounded and how its failures surface.
type ToolPolicy struct {
	// Timeout bounds the whole tool call. Zero means no timeout.
	Timeout time.Duration
	// DegradeErrors turns failures into IsError results instead of
	// protocol errors.
	DegradeErrors bool
}

type Policies struct {
	Default   ToolPolicy
	Overrides map[string]ToolPolicy
}

// DefaultPolicies bounds every paid tool by timeout. The local indicator
// guide runs unbounded.
func DefaultPolicies(timeout time.Duration) Policies {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return Policies{
		Default: ToolPolicy{Timeout: timeout, DegradeErrors: true},
		Overrides: map[string]ToolPolicy{
			toolIndicatorGuide: {Timeout: 0, DegradeErrors: true},
		},
	}
}

func (p Policies) For(tool string) ToolPolicy {
	if pol, ok := p.Overrides[tool]; ok {
		return pol
	}
	return p.Default
}

// Apply overrides individual fields of one tool's policy. Nil fields keep
// the current value.
func (p Policies) Apply(tool string, timeout *time.Duration, degrade *bool) Policies {
	pol := p.For(tool)
	if timeout != nil {
		pol.Timeout = *timeout
	}
	if degrade != nil {
		pol.DegradeErrors = *degrade
	}

	next := Policies{Default: p.Default, Overrides: make(map[string]ToolPolicy, len(p.Overrides)+1)}
	for k, v := range p.Overrides {
		next.Overrides[k] = v
	}
	next.Overrides[tool] = pol
	return next
}
