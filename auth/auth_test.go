package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/galvana-labs/galvana/fault"
)

var testSecret = []byte("test-secret-do-not-use")

func TestIssueAndAuthenticateRoundTrip(t *testing.T) {
	p := Principal{UserID: 42, Username: "grace", Superuser: true}
	token, err := IssueAccessToken(testSecret, p)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	oracle := NewTokenOracle(testSecret)
	got, err := oracle.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got != p {
		t.Fatalf("principal = %+v, want %+v", got, p)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	token, err := IssueAccessToken(testSecret, Principal{UserID: 1, Username: "eve"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	_, err = NewTokenOracle([]byte("other-secret")).Authenticate(context.Background(), token)
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("wrong-secret error = %v, want unauthenticated", err)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	saved := accessTokenTTL
	accessTokenTTL = -time.Minute
	token, err := IssueAccessToken(testSecret, Principal{UserID: 7, Username: "old"})
	accessTokenTTL = saved
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	_, err = NewTokenOracle(testSecret).Authenticate(context.Background(), token)
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("expired error = %v, want unauthenticated", err)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	oracle := NewTokenOracle(testSecret)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := oracle.Authenticate(context.Background(), raw); !fault.Is(err, fault.Unauthenticated) {
			t.Fatalf("Authenticate(%q) = %v, want unauthenticated", raw, err)
		}
	}
}

func TestParseRejectsUnsignedToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username: "mallory",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none-token: %v", err)
	}
	if _, err := ParseAccessToken(testSecret, raw); err == nil {
		t.Fatal("unsigned token accepted")
	}
}

func TestPrincipalFromClaimsRejectsBadSubject(t *testing.T) {
	_, err := PrincipalFromClaims(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"},
	})
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("bad subject error = %v, want unauthenticated", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Fatal("valid password rejected")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatal("wrong password accepted")
	}
}
