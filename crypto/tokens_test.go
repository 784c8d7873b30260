package crypto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestAccessTokenClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := NewAccessToken(testSecret, "ada@example.com", now, 15*time.Minute, AccessTokenOptions{
		Roles:        []string{"user", "admin"},
		Scopes:       []string{"billing:read"},
		IsAdmin:      true,
		TokenVersion: 3,
		SessionID:    "sess-1",
	})
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}

	claims, err := ParseTyped(testSecret, tok, TokenTypeAccess, func() time.Time { return now.Add(time.Minute) })
	if err != nil {
		t.Fatalf("ParseTyped: %v", err)
	}
	if claims.Subject != "ada@example.com" || !claims.IsAdmin || claims.TokenVersion != 3 || claims.SessionID != "sess-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "billing:read" {
		t.Fatalf("scopes = %v", claims.Scopes)
	}
	if !claims.IssuedAtTime().Equal(now) {
		t.Fatalf("iat = %v, want %v", claims.IssuedAtTime(), now)
	}
}

func TestAccessTokenEmptyScopesEncoded(t *testing.T) {
	now := time.Now()
	tok, err := NewAccessToken(testSecret, "u@example.com", now, time.Minute, AccessTokenOptions{Roles: []string{"user"}})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken(testSecret, tok, nil)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Scopes == nil || len(claims.Scopes) != 0 {
		t.Fatalf("expected empty scopes slice, got %#v", claims.Scopes)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, _ := NewAccessToken(testSecret, "u@example.com", now, time.Minute, AccessTokenOptions{})
	_, err := ParseToken(testSecret, tok, func() time.Time { return now.Add(2 * time.Minute) })
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestParseRejectsWrongSecretAndAlgorithm(t *testing.T) {
	now := time.Now()
	tok, _ := NewAccessToken(testSecret, "u@example.com", now, time.Minute, AccessTokenOptions{})
	if _, err := ParseToken([]byte("another-secret-another-secret-xx"), tok, nil); err == nil {
		t.Fatal("expected signature failure")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TokenType: TokenTypeAccess})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(testSecret, unsigned, nil); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: registered("u@example.com", "x", now, time.Minute),
		TokenType:        TokenTypeAccess,
	})
	other, _ := hs512.SignedString(testSecret)
	if _, err := ParseToken(testSecret, other, nil); err == nil {
		t.Fatal("expected HS512 to be rejected")
	}
}

func TestParseTypedRejectsWrongType(t *testing.T) {
	now := time.Now()
	refresh, err := NewRefreshToken(testSecret, "u@example.com", "sess-1", 0, now, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseTyped(testSecret, refresh, TokenTypeAccess, nil); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}
	claims, err := ParseTyped(testSecret, refresh, TokenTypeRefresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ID != "sess-1" {
		t.Fatalf("jti = %q", claims.ID)
	}
}

func TestAttestationToken(t *testing.T) {
	now := time.Now()
	if _, err := NewAttestationToken(testSecret, "u@example.com", "", "inst-1", now, time.Minute); !errors.Is(err, ErrMissingTokenID) {
		t.Fatalf("expected ErrMissingTokenID, got %v", err)
	}
	tok, err := NewAttestationToken(testSecret, "u@example.com", "att-1", "inst-1", now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("not a compact JWS: %s", tok)
	}
	claims, err := ParseTyped(testSecret, tok, TokenTypeAttestation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if claims.InstallationID != "inst-1" || claims.ID != "att-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys, err := DeriveKeys(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	ct, nonce, err := Encrypt([]byte("JBSWY3DPEHPK3PXP"), keys.TOTPKey)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := Decrypt(ct, nonce, keys.TOTPKey)
	if err != nil || string(pt) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("Decrypt = %q, %v", pt, err)
	}
	if _, err := Decrypt(ct, nonce, keys.MetaKey); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"ada@example.com": "ad****@ex****",
		"a@example.com":   "***",
		"nope":            "***",
	}
	for in, want := range tests {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
