package entitykit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// PolicyConfig is the yaml form of the staleness policy. Durations are Go
// duration strings ("90s", "5m").
//
//	throttle: 5m
//	retention: 10m
//	scopes:
//	  orders:
//	    views:
//	      - table: orders
//	        name: list
//	        max_age: 2m
//	      - table: orders
//	        name: count
//	        max_age: 5m
type PolicyConfig struct {
	Throttle  string                       `yaml:"throttle"`
	Retention string                       `yaml:"retention"`
	Scopes    map[string]ScopePolicyConfig `yaml:"scopes"`

	throttle  time.Duration
	retention time.Duration
}

// ScopePolicyConfig declares one scope's views in yaml.
type ScopePolicyConfig struct {
	Views []ViewPolicyConfig `yaml:"views"`
}

// ViewPolicyConfig declares one owned view in yaml.
type ViewPolicyConfig struct {
	Table  string `yaml:"table"`
	Name   string `yaml:"name"`
	Param  string `yaml:"param,omitempty"`
	MaxAge string `yaml:"max_age"`
}

// LoadPolicyConfig reads and validates a policy file.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	const op = kiterr.Op("policy.Load")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kiterr.E(op, kiterr.Component("policy"), kiterr.KindNotFound,
			fmt.Sprintf("read policy file %s", path), err)
	}
	return ParsePolicyConfig(data)
}

// ParsePolicyConfig parses and validates yaml policy bytes.
func ParsePolicyConfig(data []byte) (*PolicyConfig, error) {
	const op = kiterr.Op("policy.Parse")

	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation,
			"parse policy yaml", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for structural mistakes and resolves durations.
func (c *PolicyConfig) Validate() error {
	const op = kiterr.Op("policy.Validate")

	var err error
	if c.throttle, err = parsePolicyDuration(c.Throttle); err != nil {
		return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation, "invalid throttle", err)
	}
	if c.retention, err = parsePolicyDuration(c.Retention); err != nil {
		return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation, "invalid retention", err)
	}

	for scope, sc := range c.Scopes {
		if scope == "" {
			return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation, "scope name must not be empty")
		}
		if len(sc.Views) == 0 {
			return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation,
				fmt.Sprintf("scope %q declares no views", scope))
		}
		type viewIdent struct{ table, name, param string }
		seen := make(map[viewIdent]struct{}, len(sc.Views))
		for _, v := range sc.Views {
			if v.Table == "" || v.Name == "" {
				return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation,
					fmt.Sprintf("scope %q: views require table and name", scope))
			}
			if _, err := parsePolicyDuration(v.MaxAge); err != nil {
				return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation,
					fmt.Sprintf("scope %q view %s/%s: invalid max_age", scope, v.Table, v.Name), err)
			}
			id := viewIdent{v.Table, v.Name, v.Param}
			if _, dup := seen[id]; dup {
				return kiterr.E(op, kiterr.Component("policy"), kiterr.KindValidation,
					fmt.Sprintf("scope %q declares view %s/%s twice", scope, v.Table, v.Name))
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

// ThrottleInterval returns the parsed throttle, zero when unset.
func (c *PolicyConfig) ThrottleInterval() time.Duration { return c.throttle }

// RetentionInterval returns the parsed retention, zero when unset.
func (c *PolicyConfig) RetentionInterval() time.Duration { return c.retention }

// ScopePolicies builds the runtime scope map from the config.
func (c *PolicyConfig) ScopePolicies() map[string]ScopePolicy {
	out := make(map[string]ScopePolicy, len(c.Scopes))
	for name, sc := range c.Scopes {
		sp := ScopePolicy{Views: make([]ViewPolicy, 0, len(sc.Views))}
		for _, v := range sc.Views {
			maxAge, _ := parsePolicyDuration(v.MaxAge)
			sp.Views = append(sp.Views, ViewPolicy{
				Key:    ViewKey{Table: v.Table, Name: v.Name, Param: v.Param},
				MaxAge: maxAge,
			})
		}
		out[name] = sp
	}
	return out
}

func parsePolicyDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", s)
	}
	return d, nil
}
