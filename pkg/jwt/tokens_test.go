package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("admin", "admin", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "admin" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestPeekSkipsVerification(t *testing.T) {
	token, err := GenerateToken("dev", "developer", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
	claims, err := Peek(token)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if claims.Subject != "dev" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if !claims.Expired(time.Now()) {
		t.Fatal("expected token to be expired")
	}
	if _, err := Peek("not-a-token"); err == nil {
		t.Fatal("expected malformed token error")
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	if _, err := GenerateToken("dev", "developer", "", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
