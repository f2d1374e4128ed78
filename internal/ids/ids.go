package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for tenants, principals, roles and entities.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether id is a well-formed identifier produced by New.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(strings.TrimSpace(id))
	return err == nil
}

// TokenID returns a random UUIDv4 used as a token jti.
func TokenID() string {
	return uuid.NewString()
}
