package authz

import (
	"errors"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/features"
	"gatehouse.dev/internal/optimistic"
)

// Class groups error kinds by how a boundary should answer.
type Class int

const (
	ClassInternal Class = iota
	ClassUnauthenticated
	ClassForbidden
	ClassConflict
	ClassInvalid
	ClassNotFound
)

var kinds = []struct {
	err   error
	kind  string
	class Class
}{
	{auth.ErrInvalidCredentials, "invalid_credentials", ClassUnauthenticated},
	{auth.ErrTokenExpired, "token_expired", ClassUnauthenticated},
	{auth.ErrTokenRevoked, "token_revoked", ClassUnauthenticated},
	{auth.ErrTokenMalformed, "token_malformed", ClassUnauthenticated},
	{auth.ErrWrongTokenType, "wrong_token_type", ClassUnauthenticated},
	{auth.ErrPermissionDenied, "permission_denied", ClassForbidden},
	{auth.ErrTenantMismatch, "tenant_mismatch", ClassForbidden},
	{features.ErrFeatureDisabled, "feature_disabled", ClassForbidden},
	{optimistic.ErrVersionConflict, "version_conflict", ClassConflict},
	{auth.ErrInvalidInput, "invalid_input", ClassInvalid},
	{optimistic.ErrInvalidInput, "invalid_input", ClassInvalid},
	{features.ErrUnknownFeature, "unknown_feature", ClassInvalid},
	{auth.ErrAlreadyExists, "already_exists", ClassConflict},
	{auth.ErrNotFound, "not_found", ClassNotFound},
	{optimistic.ErrNotFound, "not_found", ClassNotFound},
}

// Kind returns the stable wire name for err and its class. Anything unrecognized is
// "internal" so storage details never leak.
func Kind(err error) (string, Class) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind, k.class
		}
	}
	return "internal", ClassInternal
}
