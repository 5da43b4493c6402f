package hashutil

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Sum returns the hex encoded blake2b-256 digest of the joined parts.
func Sum(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
