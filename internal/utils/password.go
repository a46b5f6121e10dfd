package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a bcrypt hash of the credential at the
// configured cost. Staff-created accounts store an empty hash until
// activation, so callers never pass the empty string here.
func HashPassword(plain string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword reports whether plain matches the stored bcrypt hash.
// A malformed hash reads as a mismatch, not an error.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
