package broker

import "crypto/subtle"

// secretsEqual compares two secrets in constant time, grounded on the
// constant-time comparison the teacher's deleted pkg/security.APIKeyAuthenticator
// used for API keys; the broker's shared-secret auth deserves the same
// timing-attack resistance.
func secretsEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
