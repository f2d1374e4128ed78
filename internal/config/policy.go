package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/features"
)

// Policy is the optional YAML file declaring builtin roles and feature namespace overrides.
type Policy struct {
	Roles    []RolePolicy  `yaml:"roles"`
	Features FeaturePolicy `yaml:"features"`
}

// RolePolicy declares a platform-wide role kept in sync on startup.
type RolePolicy struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type FeaturePolicy struct {
	// Namespaces maps additional permission resources to catalog features.
	Namespaces map[string]string `yaml:"namespaces"`
	// Ungated lists resources that should not be feature gated.
	Ungated []string `yaml:"ungated"`
	// Defaults overrides the value written when a tenant is provisioned.
	Defaults map[string]bool `yaml:"defaults"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	seen := map[string]bool{}
	for _, r := range p.Roles {
		if r.Name == "" {
			return fmt.Errorf("policy: role name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("policy: duplicate role %q", r.Name)
		}
		seen[r.Name] = true
		if _, err := auth.ValidatePermissions(r.Permissions); err != nil {
			return fmt.Errorf("policy: role %q: %w", r.Name, err)
		}
	}
	for resource, feature := range p.Features.Namespaces {
		if !features.Known(feature) {
			return fmt.Errorf("policy: namespace %q: %w: %s", resource, features.ErrUnknownFeature, feature)
		}
	}
	for feature := range p.Features.Defaults {
		if !features.Known(feature) {
			return fmt.Errorf("policy: defaults: %w: %s", features.ErrUnknownFeature, feature)
		}
	}
	return nil
}

// GateOptions turns the feature section into features.Gate options.
func (p Policy) GateOptions() []features.Option {
	var opts []features.Option
	for resource, feature := range p.Features.Namespaces {
		opts = append(opts, features.WithNamespace(resource, features.Feature(feature)))
	}
	for _, resource := range p.Features.Ungated {
		opts = append(opts, features.WithoutNamespace(resource))
	}
	for feature, enabled := range p.Features.Defaults {
		opts = append(opts, features.WithDefault(features.Feature(feature), enabled))
	}
	return opts
}
