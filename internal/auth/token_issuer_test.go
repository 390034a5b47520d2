package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueBackendTokenRoundTrip(t *testing.T) {
	now := time.Unix(1750000000, 0)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("backend-secret"),
		TokenTTL:      15 * time.Minute,
		Clock:         func() time.Time { return now },
	})

	token, expiresIn, err := issuer.IssueBackendToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expected 900s expiry, got %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject != "user-a" {
		t.Fatalf("expected subject user-a, got %q", subject)
	}
}

func TestIssueBackendTokenRequiresSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("backend-secret")})
	if _, _, err := issuer.IssueBackendToken(context.Background(), ""); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestIssueBackendTokenRequiresSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := issuer.IssueBackendToken(context.Background(), "user-a"); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestValidateTokenRejectsForeignToken(t *testing.T) {
	now := time.Unix(1750000000, 0)
	clock := func() time.Time { return now }

	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("backend-secret"), Clock: clock})
	other := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("different-secret"), Clock: clock})

	token, _, err := other.IssueBackendToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected signature validation to fail")
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1750000000, 0)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("backend-secret"),
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return issued },
	})
	token, _, err := issuer.IssueBackendToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	late := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("backend-secret"),
		Clock:         func() time.Time { return issued.Add(2 * time.Minute) },
	})
	if _, err := late.ValidateToken(token); err == nil {
		t.Fatal("expected expiry validation to fail")
	}
}
