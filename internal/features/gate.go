package features

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gatehouse.dev/internal/auth"
)

var (
	ErrFeatureDisabled = errors.New("features: feature disabled")
	ErrUnknownFeature  = errors.New("features: unknown feature")
)

// Gate answers whether a tenant may use a capability namespace.
type Gate struct {
	store      Store
	catalog    map[Feature]Definition
	namespaces map[string]Feature
}

// Option customizes a Gate.
type Option func(*Gate) error

// WithNamespace maps a permission resource to a feature, replacing any default mapping.
func WithNamespace(resource string, feature Feature) Option {
	return func(g *Gate) error {
		resource = strings.TrimSpace(resource)
		if resource == "" {
			return errors.New("features: namespace resource is required")
		}
		if _, ok := g.catalog[feature]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
		}
		g.namespaces[resource] = feature
		return nil
	}
}

// WithoutNamespace removes a resource from feature gating.
func WithoutNamespace(resource string) Option {
	return func(g *Gate) error {
		delete(g.namespaces, strings.TrimSpace(resource))
		return nil
	}
}

// WithDefault sets the value written for a feature when a tenant is provisioned.
func WithDefault(feature Feature, enabled bool) Option {
	return func(g *Gate) error {
		def, ok := g.catalog[feature]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
		}
		def.Default = enabled
		g.catalog[feature] = def
		return nil
	}
}

func NewGate(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("features: store is required")
	}
	g := &Gate{store: store, catalog: defaultCatalog(), namespaces: defaultNamespaces()}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// IsEnabled returns the stored value. A missing row means disabled.
func (g *Gate) IsEnabled(ctx context.Context, tenantID string, feature Feature) (bool, error) {
	if _, ok := g.catalog[feature]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	flag, found, err := g.store.GetFlag(ctx, tenantID, feature)
	if err != nil {
		return false, fmt.Errorf("features: load flag: %w", err)
	}
	return found && flag.Enabled, nil
}

// Allow is IsEnabled with the superuser bypass.
func (g *Gate) Allow(ctx context.Context, tenantID string, feature Feature, principal auth.Principal) (bool, error) {
	if principal.Superuser {
		return true, nil
	}
	return g.IsEnabled(ctx, tenantID, feature)
}

// NamespaceFor returns the feature gating resource. Unmapped resources are core
// capabilities and are never gated.
func (g *Gate) NamespaceFor(resource string) (Feature, bool) {
	f, ok := g.namespaces[resource]
	return f, ok
}

// Resources lists the gated permission resources in sorted order.
func (g *Gate) Resources() []string {
	out := make([]string, 0, len(g.namespaces))
	for r := range g.namespaces {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Check gates the resource half of a permission for the principal.
func (g *Gate) Check(ctx context.Context, tenantID, resource string, principal auth.Principal) error {
	feature, gated := g.NamespaceFor(resource)
	if !gated {
		return nil
	}
	ok, err := g.Allow(ctx, tenantID, feature, principal)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeatureDisabled, feature)
	}
	return nil
}

// List returns every catalog feature for the tenant, disabled where no row exists.
func (g *Gate) List(ctx context.Context, actor auth.Principal, tenantID string) ([]Flag, error) {
	if !actor.Superuser {
		return nil, auth.ErrPermissionDenied
	}
	rows, err := g.store.ListFlags(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("features: list flags: %w", err)
	}
	stored := make(map[Feature]Flag, len(rows))
	for _, row := range rows {
		stored[row.Feature] = row
	}
	out := make([]Flag, 0, len(g.catalog))
	for _, name := range sortedNames(g.catalog) {
		if row, ok := stored[name]; ok {
			out = append(out, row)
			continue
		}
		out = append(out, Flag{TenantID: tenantID, Feature: name, Description: g.catalog[name].Description})
	}
	return out, nil
}

// Set flips one flag. Only superusers may change flags.
func (g *Gate) Set(ctx context.Context, actor auth.Principal, tenantID string, feature Feature, enabled bool) (Flag, error) {
	if !actor.Superuser {
		return Flag{}, auth.ErrPermissionDenied
	}
	def, ok := g.catalog[feature]
	if !ok {
		return Flag{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	if strings.TrimSpace(tenantID) == "" {
		return Flag{}, fmt.Errorf("%w: tenant is required", auth.ErrInvalidInput)
	}
	return g.store.UpsertFlag(ctx, Flag{
		TenantID:    tenantID,
		Feature:     feature,
		Enabled:     enabled,
		Description: def.Description,
	})
}

// ProvisionDefaults writes one row per catalog entry for a new tenant.
func (g *Gate) ProvisionDefaults(ctx context.Context, tenantID string) error {
	flags := make([]Flag, 0, len(g.catalog))
	for _, name := range sortedNames(g.catalog) {
		def := g.catalog[name]
		flags = append(flags, Flag{TenantID: tenantID, Feature: name, Enabled: def.Default, Description: def.Description})
	}
	return g.store.InsertMissing(ctx, flags)
}
