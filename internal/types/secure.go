package types

import "crypto/subtle"

// redactedPlaceholder is the string used to replace secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials such as the Stripe API key, the webhook
// signing secret, and the JWT signing key. String() and MarshalJSON() return a
// redacted placeholder so the value never reaches fmt output, slog attributes,
// or JSON config dumps.
//
// Use Unmask() to retrieve the plaintext when it is genuinely needed
// (HTTP Authorization headers, HMAC keys, database connection strings).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether the secret carries a non-empty value.
func (s SecretString) IsSet() bool {
	return s != ""
}

// Equal compares the secret to a plaintext candidate in constant time.
func (s SecretString) Equal(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(candidate)) == 1
}
