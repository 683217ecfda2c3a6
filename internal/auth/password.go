// ABOUTME: Password hashing and verification for agent accounts
// ABOUTME: bcrypt with a dummy-hash comparison to keep login timing flat

package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the account is unknown or has no hash,
// so a login attempt takes the same time whether or not the user exists.
// This prevents timing attacks that could enumerate valid usernames.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword returns the bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether the password matches the stored hash.
// An empty hash always fails, after a dummy comparison to maintain constant timing.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns one bcrypt comparison. Called on login attempts for
// unknown users so they cost the same as attempts against real accounts.
func VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
