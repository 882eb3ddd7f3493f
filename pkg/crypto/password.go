package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// HashPassword hashes plaintext using bcrypt. A zero cost selects bcrypt.DefaultCost.
func HashPassword(plain string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(plain), cost)
}

// ComparePassword compares plaintext to hashed secret.
func ComparePassword(hash []byte, plain string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}
