package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashText returns the content hash of a query's text: whitespace runs are
// collapsed and the text lowercased before hashing, so cosmetic edits don't
// change the dedup key. The result is a fixed-width hex string.
func HashText(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}
