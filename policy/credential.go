package policy

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// credential is the static emergency secret, either verbatim or as a bcrypt hash.
type credential struct {
	plain string
	hash  []byte
}

func (c credential) match(text string) bool {
	if c.plain != "" {
		return subtle.ConstantTimeCompare([]byte(text), []byte(c.plain)) == 1
	}
	if len(c.hash) > 0 {
		return bcrypt.CompareHashAndPassword(c.hash, []byte(text)) == nil
	}
	return false
}
