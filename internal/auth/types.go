package auth

import "time"

// TokenType distinguishes short-lived access tokens from rotating refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Tenant is an isolated customer scope. Every stored row is partitioned by tenant id.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Role bundles permission strings. An empty TenantID marks a platform-wide role.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credential is the login-time view of a principal.
type Credential struct {
	PrincipalID string
	TenantID    string
	Identifier  string
	SecretHash  string
	Active      bool
}

// Principal is an authenticated actor with its role permissions resolved.
type Principal struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Identifier  string    `json:"identifier"`
	Active      bool      `json:"active"`
	Superuser   bool      `json:"superuser"`
	RoleID      string    `json:"role_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
