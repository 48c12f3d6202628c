package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/wavelen/talkback/internal/platform/errors"
)

const (
	testIssuer   = "talkback-identity"
	testAudience = "talkback-messaging"
)

func newTestKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testConfig(pub ed25519.PublicKey, now time.Time) Config {
	return Config{
		Issuer:   testIssuer,
		Audience: testAudience,
		Key:      pub,
		Now:      func() time.Time { return now },
	}
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims accessClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(userID string, now time.Time) accessClaims {
	return accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "token-1",
		},
		UserID: userID,
	}
}

func TestVerifyAccessToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, priv := newTestKeys(t)
	token := signToken(t, priv, validClaims("user-1", now))

	claims, err := VerifyAccessToken(token, testConfig(pub, now))
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
	if claims.Issuer != testIssuer {
		t.Fatalf("expected issuer %q, got %q", testIssuer, claims.Issuer)
	}
	if claims.JWTID != "token-1" {
		t.Fatalf("expected token id token-1, got %q", claims.JWTID)
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour).Truncate(time.Second)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestVerifyAccessTokenEmpty(t *testing.T) {
	t.Parallel()

	pub, _ := newTestKeys(t)
	_, err := VerifyAccessToken("  ", testConfig(pub, time.Now()))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}

func TestVerifyAccessTokenExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, priv := newTestKeys(t)
	claims := validClaims("user-1", now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	token := signToken(t, priv, claims)

	_, err := VerifyAccessToken(token, testConfig(pub, now))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenExpired, "")) {
		t.Fatalf("expected token expired error, got %v", err)
	}
}

func TestVerifyAccessTokenWrongKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, _ := newTestKeys(t)
	_, otherPriv := newTestKeys(t)
	token := signToken(t, otherPriv, validClaims("user-1", now))

	_, err := VerifyAccessToken(token, testConfig(pub, now))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}

func TestVerifyAccessTokenIssuerMismatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, priv := newTestKeys(t)
	claims := validClaims("user-1", now)
	claims.Issuer = "someone-else"
	token := signToken(t, priv, claims)

	_, err := VerifyAccessToken(token, testConfig(pub, now))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}

func TestVerifyAccessTokenAudienceMismatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, priv := newTestKeys(t)
	claims := validClaims("user-1", now)
	claims.Audience = jwt.ClaimStrings{"other-service"}
	token := signToken(t, priv, claims)

	_, err := VerifyAccessToken(token, testConfig(pub, now))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}

func TestVerifyAccessTokenMissingUserID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	pub, priv := newTestKeys(t)
	claims := validClaims("  ", now)
	token := signToken(t, priv, claims)

	_, err := VerifyAccessToken(token, testConfig(pub, now))
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenInvalid, "")) {
		t.Fatalf("expected token invalid error, got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	pub, _ := newTestKeys(t)
	t.Setenv("TALKBACK_AUTH_ISSUER", testIssuer)
	t.Setenv("TALKBACK_AUTH_AUDIENCE", testAudience)
	t.Setenv("TALKBACK_AUTH_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Issuer != testIssuer {
		t.Fatalf("expected issuer %q, got %q", testIssuer, cfg.Issuer)
	}
	if cfg.Audience != testAudience {
		t.Fatalf("expected audience %q, got %q", testAudience, cfg.Audience)
	}
	if !cfg.Key.Equal(pub) {
		t.Fatal("expected configured key to match")
	}
	if cfg.Now == nil {
		t.Fatal("expected default clock")
	}
}

func TestLoadConfigFromEnvMissingKey(t *testing.T) {
	t.Setenv("TALKBACK_AUTH_ISSUER", testIssuer)
	t.Setenv("TALKBACK_AUTH_AUDIENCE", testAudience)
	t.Setenv("TALKBACK_AUTH_PUBLIC_KEY", "")

	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for missing public key")
	}
}

func TestLoadConfigFromEnvBadKeyLength(t *testing.T) {
	t.Setenv("TALKBACK_AUTH_ISSUER", testIssuer)
	t.Setenv("TALKBACK_AUTH_AUDIENCE", testAudience)
	t.Setenv("TALKBACK_AUTH_PUBLIC_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for short public key")
	}
}
