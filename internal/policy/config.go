// Package policy evaluates capability calls against an ordered rule set.
// Evaluation is a pure function of the request, the descriptor, and the
// loaded config. No hidden state, so identical inputs always yield the
// same decision.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/capgate/internal/model"
)

// Condition is one predicate over a request parameter. Exactly the closed
// set {equals, regex, numeric range, path prefix}, with no ad hoc coercion.
// Multiple fields on one condition AND together.
type Condition struct {
	Param      string   `yaml:"param"`
	Equals     any      `yaml:"equals,omitempty"`
	Regex      string   `yaml:"regex,omitempty"`
	Min        *float64 `yaml:"min,omitempty"`
	Max        *float64 `yaml:"max,omitempty"`
	PathPrefix string   `yaml:"path_prefix,omitempty"`

	re *regexp.Regexp
}

// Rule is one policy rule. Rules are kept in declaration order; among
// matches the highest priority wins, ties broken by declaration order.
type Rule struct {
	Name       string      `yaml:"name"`
	Capability string      `yaml:"capability"`
	Conditions []Condition `yaml:"conditions,omitempty"`
	Action     string      `yaml:"action"`
	Priority   int         `yaml:"priority"`
	Reason     string      `yaml:"reason,omitempty"`
}

// Config holds the loaded rule set and the default action applied when no
// rule matches (the implicit fallback rule that covers every capability).
type Config struct {
	Name          string `yaml:"name,omitempty"`
	DefaultAction string `yaml:"default_action,omitempty"`
	Rules         []Rule `yaml:"rules"`
}

// DefaultConfig returns the built-in policy: no explicit rules, allow by
// default. Safe mode tightens the default at evaluation time.
func DefaultConfig() *Config {
	return &Config{
		Name:          "default",
		DefaultAction: string(model.Allow),
	}
}

// Load reads policy configuration from a YAML file. A missing file returns
// defaults; invalid YAML or an invalid rule returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads policy configuration and returns the SHA-256 of the
// raw bytes on disk, stamped into every audit entry so a trail can be tied
// to the exact rule set that produced it. Defaults hash empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		h := sha256.Sum256(nil)
		cfg := DefaultConfig()
		return cfg, "sha256:" + hex.EncodeToString(h[:]), cfg.compile()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			cfg := DefaultConfig()
			return cfg, "sha256:" + hex.EncodeToString(h[:]), cfg.compile()
		}
		return nil, "", fmt.Errorf("read policy config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultConfig()
	cfg.Rules = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("parse policy config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// compile validates rules and precompiles regex conditions, keeping
// Evaluate allocation-light and failure-free.
func (c *Config) compile() error {
	if c.DefaultAction == "" {
		c.DefaultAction = string(model.Allow)
	}
	switch model.Action(c.DefaultAction) {
	case model.Allow, model.Deny, model.Confirm, model.Audit:
	default:
		return fmt.Errorf("policy: invalid default_action %q", c.DefaultAction)
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("policy: rule %d has no name", i)
		}
		if r.Capability == "" {
			return fmt.Errorf("policy: rule %q has no capability pattern", r.Name)
		}
		switch model.Action(r.Action) {
		case model.Allow, model.Deny, model.Confirm, model.Audit:
		default:
			return fmt.Errorf("policy: rule %q has invalid action %q", r.Name, r.Action)
		}
		for j := range r.Conditions {
			cond := &r.Conditions[j]
			if cond.Param == "" {
				return fmt.Errorf("policy: rule %q condition %d has no param", r.Name, j)
			}
			if cond.Equals == nil && cond.Regex == "" && cond.Min == nil && cond.Max == nil && cond.PathPrefix == "" {
				return fmt.Errorf("policy: rule %q condition on %q has no predicate", r.Name, cond.Param)
			}
			if cond.Regex != "" {
				re, err := regexp.Compile(cond.Regex)
				if err != nil {
					return fmt.Errorf("policy: rule %q condition on %q: %w", r.Name, cond.Param, err)
				}
				cond.re = re
			}
		}
	}
	return nil
}

// matchCapability checks a rule's capability pattern against a qualified
// name. Patterns: "*" any, "*x*" contains, "x*" prefix, "*x" suffix,
// otherwise exact. Matching is case-insensitive.
func matchCapability(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	p := strings.ToLower(pattern)
	n := strings.ToLower(name)

	switch {
	case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*") && len(p) > 1:
		return strings.Contains(n, p[1:len(p)-1])
	case strings.HasPrefix(p, "*"):
		return strings.HasSuffix(n, p[1:])
	case strings.HasSuffix(p, "*"):
		return strings.HasPrefix(n, p[:len(p)-1])
	default:
		return n == p
	}
}

// holds reports whether the condition is satisfied by the parameter map.
// An absent parameter fails every predicate.
func (c *Condition) holds(params map[string]any) bool {
	val, ok := params[c.Param]
	if !ok || val == nil {
		return false
	}

	if c.Equals != nil && !looseEqual(c.Equals, val) {
		return false
	}
	if c.re != nil {
		s, ok := val.(string)
		if !ok || !c.re.MatchString(s) {
			return false
		}
	}
	if c.Min != nil || c.Max != nil {
		n, ok := toFloat(val)
		if !ok {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
	}
	if c.PathPrefix != "" {
		s, ok := val.(string)
		if !ok {
			return false
		}
		clean := filepath.Clean(s)
		prefix := filepath.Clean(c.PathPrefix)
		if clean != prefix && !strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return false
		}
	}
	return true
}

// looseEqual compares a YAML-decoded expectation to a JSON-decoded value.
// Numbers compare numerically regardless of concrete type; everything else
// compares by string form only when both sides stringify identically.
func looseEqual(expected, actual any) bool {
	if ea, ok := toFloat(expected); ok {
		if aa, ok := toFloat(actual); ok {
			return ea == aa
		}
		return false
	}
	es, eok := expected.(string)
	as, aok := actual.(string)
	if eok && aok {
		return es == as
	}
	eb, ebok := expected.(bool)
	ab, abok := actual.(bool)
	if ebok && abok {
		return eb == ab
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
