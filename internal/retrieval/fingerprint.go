package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Metadata keys that identify the underlying content and therefore
// participate in the fingerprint. Everything else (scores, timestamps,
// adapter-specific annotations) is ignored so the same document retrieved
// through different backends still collapses to one fingerprint.
var fingerprintKeys = []string{"source", "title", "url"}

// ContentFingerprint computes the deduplication key for a piece of content:
// a SHA-256 over the tenant ID, the normalized content, and the identifying
// metadata. Qualifying by tenant keeps two tenants with byte-identical
// content from ever being conflated.
func ContentFingerprint(tenantID uuid.UUID, content string, metadata map[string]string) string {
	h := sha256.New()
	h.Write(tenantID[:])
	h.Write([]byte{0})
	h.Write([]byte(normalizeContent(content)))
	for _, key := range fingerprintKeys {
		if v, ok := metadata[key]; ok && v != "" {
			h.Write([]byte{0})
			h.Write([]byte(key))
			h.Write([]byte{'='})
			h.Write([]byte(strings.ToLower(strings.TrimSpace(v))))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeContent lowercases and collapses all whitespace runs to a single
// space so formatting differences between backends do not defeat
// deduplication.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}
