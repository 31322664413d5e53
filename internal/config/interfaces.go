package config

import "context"

// SecretProvider resolves secret values by identifier. SSMProvider serves
// deployed environments; local runs pass nil.
type SecretProvider interface {
	// GetParametersBatch returns plaintext values keyed by identifier. Keys
	// that do not resolve are omitted or reported as an error, depending on
	// the provider.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
