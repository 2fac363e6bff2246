package model

import "context"

// Credentials supplies the authentication material for a node. Secret is
// asked on demand, either as a password or as a passphrase of KeyFile.
// AuthenticationSucceeded is called once a session was established, so the
// implementation can cache the secret.
type Credentials interface {
	Username() string
	KeyFile() string
	Secret(ctx context.Context) (string, error)
	AuthenticationSucceeded(ctx context.Context)
}
