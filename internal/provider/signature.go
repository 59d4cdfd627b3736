package provider

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/condoledger/backend/internal/models"
)

// VerifyEventSignature checks the provider checksum over a webhook payload.
// The provider names the covered fields in signature.properties as dotted
// paths into the event's data object, in a fixed order; their stringified
// values, the signature timestamp and the shared secret are concatenated
// and hashed with SHA-256. Fails closed: any missing field, malformed
// checksum or empty secret verifies false.
func VerifyEventSignature(data map[string]any, sig models.EventSignature, secret string) bool {
	if secret == "" || len(sig.Properties) == 0 || sig.Checksum == "" {
		return false
	}

	var b strings.Builder
	for _, prop := range sig.Properties {
		value, ok := lookupPath(data, prop)
		if !ok {
			return false
		}
		s, ok := stringifyValue(value)
		if !ok {
			return false
		}
		b.WriteString(s)
	}
	b.WriteString(strconv.FormatInt(sig.Timestamp, 10))
	b.WriteString(secret)

	sum := sha256.Sum256([]byte(b.String()))

	expected, err := hex.DecodeString(strings.ToLower(sig.Checksum))
	if err != nil || len(expected) != sha256.Size {
		return false
	}

	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// ComputeChecksum produces the hex digest for a set of already-ordered
// property values. Used by tests and by the sandbox event simulator.
func ComputeChecksum(values []string, timestamp int64, secret string) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v)
	}
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(secret)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func lookupPath(data map[string]any, path string) (any, bool) {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringifyValue renders a leaf value the way the provider does when it
// computes the checksum. JSON numbers arrive as float64; integral values
// must not pick up a decimal point.
func stringifyValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}
