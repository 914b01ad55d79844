// Package fingerprint computes stable non-cryptographic content hashes.
// Fingerprints gate cache validity (has the chart content changed?) and
// deduplicate in-flight work, so the hash must be deterministic across
// process restarts: no seed, no time component.
package fingerprint

import (
	"strconv"
	"strings"
)

// Hash returns an order-sensitive hash of parts, rendered as lowercase hex.
// Empty input hashes to "0".
func Hash(parts ...string) string {
	joined := strings.Join(parts, "::")
	if joined == "" {
		return "0"
	}

	var h int32
	for _, r := range joined {
		h = (h << 5) - h + r
	}
	return strconv.FormatUint(uint64(uint32(h)), 16)
}
