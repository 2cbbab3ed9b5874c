package secrets

import "context"

// Credentials holds the retrieved username and password.
type Credentials struct {
	Username string
	Password string
}

// SecretManager defines the interface for interacting with different secret backends.
type SecretManager interface {
	// GetCredentials reads the secret at pathOrID and picks the username and
	// password out of it using the given keys.
	GetCredentials(ctx context.Context, pathOrID string, usernameKey string, passwordKey string) (*Credentials, error)

	IsEnabled() bool
}
