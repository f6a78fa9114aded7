package store

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPIN hashes an account PIN or password for storage.
func HashPIN(pin string) (string, error) {
	return hashPIN(pin, bcrypt.DefaultCost)
}

func hashPIN(pin string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}
	return string(b), nil
}

func checkPIN(hash, pin string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
