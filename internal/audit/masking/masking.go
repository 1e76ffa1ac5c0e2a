// Package masking redacts credentials before they reach audit metadata.
package masking

import "strings"

const maskToken = "****"

var sensitiveKeySuffixes = []string{"token", "secret", "password", "authorization"}

// MaskSecret keeps the token prefix (up to the last underscore) and the last
// four characters so operators can tell collectors apart.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := "", trimmed
	if i := strings.LastIndex(trimmed, "_"); i >= 0 && i < len(trimmed)-1 {
		prefix, remainder = trimmed[:i+1], trimmed[i+1:]
	}
	if strings.HasPrefix(remainder, maskToken) {
		return trimmed
	}
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether a metadata key names a credential.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// RedactMetadata masks string values stored under sensitive keys, recursing
// into nested maps. Other values are copied unchanged.
func RedactMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return input
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		switch cast := value.(type) {
		case string:
			if IsSensitiveKey(key) {
				out[key] = MaskSecret(cast)
				continue
			}
			out[key] = cast
		case map[string]any:
			out[key] = RedactMetadata(cast)
		default:
			out[key] = value
		}
	}
	return out
}
