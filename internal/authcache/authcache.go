// Package authcache implements a bcrypt-backed credential cache, so the
// external checkpassword authenticator (internal/smtpauth) need not be
// re-invoked for every AUTH attempt using the same password. Grounded on
// the teacher's internal/userdb scrypt password scheme, adapted to
// bcrypt's self-contained salt+cost encoding.
package authcache

import "golang.org/x/crypto/bcrypt"

// DefaultCost mirrors bcrypt's own recommended default; raised only if
// operators observe the hash becoming cheap relative to hardware.
const DefaultCost = bcrypt.DefaultCost

// Hash returns a salted bcrypt hash of plain, suitable for storing in a
// credential cache file next to a username.
func Hash(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Matches reports whether plain hashes to the given bcrypt digest.
func Matches(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
