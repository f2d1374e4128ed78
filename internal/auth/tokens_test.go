package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingRegistry struct{ err error }

func (f failingRegistry) Revoke(context.Context, string, time.Time) (bool, error) {
	return false, f.err
}
func (f failingRegistry) IsRevoked(context.Context, string) (bool, error) { return false, f.err }

func newTestTokens(t *testing.T, clock *testClock, opts ...TokenOption) (*TokenService, *MemoryRevocations) {
	t.Helper()
	reg := NewMemoryRevocations(clock.Now)
	base := []TokenOption{WithHMACSecret(testSecret), WithClock(clock.Now), WithIssuer("gatehouse-test")}
	svc, err := NewTokenService(reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, reg
}

var alice = Principal{ID: "01HZXALICE", TenantID: "tenant-a"}

func TestIssueAndVerify(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)

	pair, err := svc.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !pair.AccessExpiresAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(clock.Now().Add(14 * 24 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", pair.RefreshExpiresAt)
	}

	claims, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != alice.ID || claims.TenantID != alice.TenantID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "gatehouse-test" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}

	refresh, err := svc.Verify(context.Background(), pair.RefreshToken, TokenTypeRefresh)
	if err != nil {
		t.Fatalf("Verify refresh: %v", err)
	}
	if refresh.ID == claims.ID {
		t.Fatalf("access and refresh share jti %s", claims.ID)
	}
}

func TestIssuedExpiryMatchesClaims(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)}
	svc, _ := newTestTokens(t, clock)

	pair, err := svc.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	access, err := svc.Inspect(pair.AccessToken)
	if err != nil {
		t.Fatalf("Inspect access: %v", err)
	}
	refresh, err := svc.Inspect(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Inspect refresh: %v", err)
	}
	if !pair.AccessExpiresAt.Equal(access.ExpiresAt.Time) {
		t.Fatalf("access expiry %v, token says %v", pair.AccessExpiresAt, access.ExpiresAt.Time)
	}
	if !pair.RefreshExpiresAt.Equal(refresh.ExpiresAt.Time) {
		t.Fatalf("refresh expiry %v, token says %v", pair.RefreshExpiresAt, refresh.ExpiresAt.Time)
	}
	if pair.AccessExpiresAt.Nanosecond() != 0 {
		t.Fatalf("access expiry carries sub-second precision: %v", pair.AccessExpiresAt)
	}
}

func TestIssueRequiresPrincipalAndTenant(t *testing.T) {
	svc, _ := newTestTokens(t, newTestClock())
	if _, err := svc.Issue(context.Background(), Principal{ID: "p"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIssueUsesFreshTokenIDs(t *testing.T) {
	svc, _ := newTestTokens(t, newTestClock())
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pair, err := svc.Issue(context.Background(), alice)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		for _, raw := range []string{pair.AccessToken, pair.RefreshToken} {
			claims, err := svc.Inspect(raw)
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if seen[claims.ID] {
				t.Fatalf("duplicate jti %s", claims.ID)
			}
			seen[claims.ID] = true
		}
	}
}

func TestVerifyExpired(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)
	pair, err := svc.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Advance(15*time.Minute - time.Second)
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyWrongType(t *testing.T) {
	svc, _ := newTestTokens(t, newTestClock())
	pair, _ := svc.Issue(context.Background(), alice)

	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeRefresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("access as refresh: expected ErrWrongTokenType, got %v", err)
	}
	if _, err := svc.Verify(context.Background(), pair.RefreshToken, TokenTypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("refresh as access: expected ErrWrongTokenType, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)
	pair, _ := svc.Issue(context.Background(), alice)

	other, _ := newTestTokens(t, clock, WithHMACSecret(strings.Repeat("z", 32)))
	foreign, _ := other.Issue(context.Background(), alice)

	otherIssuer, _ := newTestTokens(t, clock, WithIssuer("someone-else"))
	wrongIss, _ := otherIssuer.Issue(context.Background(), alice)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"tampered":     pair.AccessToken[:len(pair.AccessToken)-2] + "xx",
		"foreign key":  foreign.AccessToken,
		"other issuer": wrongIss.AccessToken,
	}
	for name, raw := range cases {
		if _, err := svc.Verify(context.Background(), raw, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("%s: expected ErrTokenMalformed, got %v", name, err)
		}
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)

	claims := Claims{
		TenantID:  alice.TenantID,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gatehouse-test",
			Subject:   alice.ID,
			ID:        "jti-none",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := svc.Verify(context.Background(), raw, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestRevokeThenVerify(t *testing.T) {
	clock := newTestClock()
	svc, reg := newTestTokens(t, clock)
	pair, _ := svc.Issue(context.Background(), alice)

	if err := svc.Revoke(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := svc.Revoke(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one registry entry, got %d", reg.Len())
	}

	// Other tokens of the same principal stay valid.
	if _, err := svc.Verify(context.Background(), pair.RefreshToken, TokenTypeRefresh); err != nil {
		t.Fatalf("refresh token should survive access revocation: %v", err)
	}

	clock.Advance(15 * time.Minute)
	if reg.Len() != 0 {
		t.Fatalf("registry entry should expire with the token, got %d", reg.Len())
	}
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired after natural expiry, got %v", err)
	}
}

func TestRevokeExpiredIsNoop(t *testing.T) {
	clock := newTestClock()
	svc, reg := newTestTokens(t, clock)
	pair, _ := svc.Issue(context.Background(), alice)

	clock.Advance(time.Hour)
	if err := svc.Revoke(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expired token must not be recorded, got %d entries", reg.Len())
	}
}

func TestRevokeRequiresValidSignature(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)
	other, _ := newTestTokens(t, clock, WithHMACSecret(strings.Repeat("q", 40)))
	foreign, _ := other.Issue(context.Background(), alice)

	if err := svc.Revoke(context.Background(), foreign.AccessToken); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestTokens(t, clock)
	pair, _ := svc.Issue(context.Background(), alice)

	clock.Advance(time.Minute)
	next, claims, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if claims.Subject != alice.ID {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if next.RefreshToken == pair.RefreshToken || next.AccessToken == pair.AccessToken {
		t.Fatalf("refresh must return a new pair")
	}
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("reused refresh token: expected ErrTokenRevoked, got %v", err)
	}
	if _, err := svc.Verify(context.Background(), next.AccessToken, TokenTypeAccess); err != nil {
		t.Fatalf("new access token: %v", err)
	}
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); err != nil {
		t.Fatalf("old access token stays valid until it expires: %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, reg := newTestTokens(t, newTestClock())
	pair, _ := svc.Issue(context.Background(), alice)

	if _, _, err := svc.Refresh(context.Background(), pair.AccessToken); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("failed refresh must not revoke anything")
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	svc, _ := newTestTokens(t, newTestClock())
	pair, _ := svc.Issue(context.Background(), alice)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		revoked int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := svc.Refresh(context.Background(), pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenRevoked):
				revoked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || revoked != workers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d revoked=%d", wins, revoked)
	}
}

func TestRegistryFailureFailsClosed(t *testing.T) {
	boom := errors.New("registry down")
	svc, err := NewTokenService(failingRegistry{err: boom}, WithHMACSecret(testSecret))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := svc.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue must not touch the registry: %v", err)
	}

	_, err = svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped registry error, got %v", err)
	}
	if IsTokenError(err) {
		t.Fatalf("registry failure must not look like a token problem")
	}
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, boom) {
		t.Fatalf("refresh: expected registry error, got %v", err)
	}
}

func TestRS256KeysAndKeyID(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	reg := NewMemoryRevocations(nil)
	svc, err := NewTokenService(reg, WithRSAKeyPair(priv, &priv.PublicKey), WithKeyID("k1"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := svc.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	token, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, &Claims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if token.Header["kid"] != "k1" || token.Method.Alg() != "RS256" {
		t.Fatalf("unexpected header: %v", token.Header)
	}
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestNewTokenServiceValidation(t *testing.T) {
	reg := NewMemoryRevocations(nil)
	if _, err := NewTokenService(reg); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewTokenService(nil, WithHMACSecret(testSecret)); err == nil {
		t.Fatalf("expected error for nil registry")
	}
	if _, err := NewTokenService(reg, WithHMACSecret("short")); err == nil {
		t.Fatalf("expected error for short secret")
	}
	if _, err := NewTokenService(reg, WithHMACSecret(testSecret), WithAccessTTL(time.Hour), WithRefreshTTL(time.Minute)); err == nil {
		t.Fatalf("expected error when refresh ttl is shorter than access ttl")
	}
}
