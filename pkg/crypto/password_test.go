package crypto

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndCompare(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "s3cret"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}
