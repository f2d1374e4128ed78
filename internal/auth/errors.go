package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrNotConfigured = errors.New("auth: token signing is not configured")

	// ErrInvalidCredentials never says whether the identifier or the secret was wrong.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrWrongTokenType     = errors.New("auth: wrong token type")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrTenantMismatch     = errors.New("auth: tenant mismatch")
)

// IsTokenError reports whether err means the caller must present a different credential.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrWrongTokenType)
}
