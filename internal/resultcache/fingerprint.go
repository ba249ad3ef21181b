package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint computes the deterministic request fingerprint (§4.1): a hash
// over the image/environment identifier, the command vector, the resolved
// environment variables, the raw payload bytes, and the execution mode. Two
// requests that would produce the same guest-visible execution hash to the
// same key regardless of call order.
func Fingerprint(image string, command []string, envVars map[string]string, payload []byte, mode string) string {
	h := sha256.New()

	h.Write([]byte(image))
	h.Write([]byte{0})

	for _, c := range command {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(envVars[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})

	h.Write(payload)
	h.Write([]byte{0})

	h.Write([]byte(mode))

	return hex.EncodeToString(h.Sum(nil))
}
