package approval

import (
	"encoding/hex"
	"hash/fnv"
)

// fnv32a returns a short, non-reversible identifier for s, used to
// pseudonymize subject/IP values in audit log lines without needing a
// cryptographic hash (this is for log-line correlation, not a security
// boundary).
func fnv32a(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
