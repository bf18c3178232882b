package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 128-bit random hex token, used for OAuth CSRF states.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
