package signoff

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultThreshold         = 90
	DefaultMinOverrideLength = 10
)

// Policy configures the sign-off gate.
type Policy struct {
	Threshold         int `mapstructure:"threshold" json:"threshold"`
	MinOverrideLength int `mapstructure:"min_override_length" json:"min_override_length"`
}

// DefaultPolicy blocks notes below 90% unless a 10-character justification
// is given.
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, MinOverrideLength: DefaultMinOverrideLength}
}

// Decision is the outcome of a sign-off request.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	OverrideUsed bool   `json:"override_used"`
	Reason       string `json:"reason"`
}

// Gate decides whether a note may be finalized.
type Gate struct {
	policy Policy
}

// New creates a gate. Zero or negative policy fields fall back to defaults.
func New(p Policy) *Gate {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.MinOverrideLength <= 0 {
		p.MinOverrideLength = DefaultMinOverrideLength
	}
	return &Gate{policy: p}
}

func (g *Gate) Policy() Policy {
	return g.policy
}

// CanSign reports whether a note with the given score may be signed.
func (g *Gate) CanSign(score int, overrideReason string) bool {
	return g.Decide(score, overrideReason).Allowed
}

// Decide explains the gate's answer.
func (g *Gate) Decide(score int, overrideReason string) Decision {
	if score >= g.policy.Threshold {
		return Decision{Allowed: true, Reason: fmt.Sprintf("completeness %d%% meets the %d%% threshold", score, g.policy.Threshold)}
	}
	reason := strings.TrimSpace(overrideReason)
	if utf8.RuneCountInString(reason) >= g.policy.MinOverrideLength {
		return Decision{Allowed: true, OverrideUsed: true, Reason: fmt.Sprintf("completeness %d%% below %d%%, signed with override", score, g.policy.Threshold)}
	}
	if reason == "" {
		return Decision{Reason: fmt.Sprintf("completeness %d%% is below the %d%% threshold; an override reason is required", score, g.policy.Threshold)}
	}
	return Decision{Reason: fmt.Sprintf("override reason must be at least %d characters", g.policy.MinOverrideLength)}
}
