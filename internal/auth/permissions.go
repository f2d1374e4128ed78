package auth

import (
	"fmt"
	"strings"
	"unicode"
)

// Wildcard grants every action, or every resource when it is the whole permission.
const Wildcard = "*"

// Permissions guarding the provisioning surface.
const (
	PermTenantsCreate    = "tenants:create"
	PermRolesManage      = "roles:manage"
	PermPrincipalsManage = "principals:manage"
)

// Permission is a parsed resource:action pair.
type Permission struct {
	Resource string
	Action   string
}

func (p Permission) String() string {
	if p.Resource == Wildcard {
		return Wildcard
	}
	return p.Resource + ":" + p.Action
}

// ParsePermission validates the textual form. Accepted shapes are "resource:action",
// "resource:*" and "*".
func ParsePermission(raw string) (Permission, error) {
	if raw == Wildcard {
		return Permission{Resource: Wildcard, Action: Wildcard}, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return Permission{}, fmt.Errorf("%w: permission %q must be resource:action", ErrInvalidInput, raw)
	}
	resource, action := parts[0], parts[1]
	if !validSegment(resource) || strings.Contains(resource, Wildcard) {
		return Permission{}, fmt.Errorf("%w: permission %q has an invalid resource", ErrInvalidInput, raw)
	}
	if action != Wildcard && (!validSegment(action) || strings.Contains(action, Wildcard)) {
		return Permission{}, fmt.Errorf("%w: permission %q has an invalid action", ErrInvalidInput, raw)
	}
	return Permission{Resource: resource, Action: action}, nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// ValidatePermissions returns the de-duplicated permission list, or the first malformed entry.
func ValidatePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, raw := range perms {
		p, err := ParsePermission(raw)
		if err != nil {
			return nil, err
		}
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

// Grants reports whether any granted permission covers required. Matching is additive
// and case-sensitive; a malformed required permission is never granted.
func Grants(granted []string, required string) bool {
	req, err := ParsePermission(required)
	if err != nil || req.Resource == Wildcard {
		return false
	}
	resourceWide := req.Resource + ":" + Wildcard
	for _, g := range granted {
		if g == Wildcard || g == resourceWide || g == required {
			return true
		}
	}
	return false
}

// Authorize evaluates required against the principal's resolved role permissions.
// Superusers are always allowed.
func Authorize(principal Principal, required string) bool {
	if principal.Superuser {
		return true
	}
	return Grants(principal.Permissions, required)
}

// EntityPermission builds the permission guarding an action on an entity kind.
func EntityPermission(kind, action string) string {
	return kind + ":" + action
}

// CanDelegate reports whether actor may hand permission to someone else: superusers may
// grant anything, everyone else only what they already hold.
func CanDelegate(actor Principal, permission string) bool {
	if actor.Superuser {
		return true
	}
	if permission == Wildcard {
		for _, g := range actor.Permissions {
			if g == Wildcard {
				return true
			}
		}
		return false
	}
	return Grants(actor.Permissions, permission)
}
