package sshpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// authMethods prefers the key file when configured, the secret is then only
// asked for an encrypted key. Otherwise the secret is used as a password.
func authMethods(ctx context.Context, creds model.Credentials) ([]ssh.AuthMethod, error) {
	if path := creds.KeyFile(); path != "" {
		signer, err := signer(ctx, creds, path)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := func() (string, error) {
		return creds.Secret(ctx)
	}
	return []ssh.AuthMethod{
		ssh.PasswordCallback(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			if len(questions) == 0 {
				return answers, nil
			}
			secret, err := password()
			if err != nil {
				return nil, err
			}
			for i := range answers {
				answers[i] = secret
			}
			return answers, nil
		}),
	}, nil
}

func signer(ctx context.Context, creds model.Credentials, path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	s, err := ssh.ParsePrivateKey(raw)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return s, err
	}
	passphrase, err := creds.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("key passphrase: %w", err)
	}
	return ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
}

// KnownHosts returns a host key callback backed by known_hosts files.
func KnownHosts(paths ...string) (ssh.HostKeyCallback, error) {
	if len(paths) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		paths = []string{filepath.Join(home, ".ssh", "known_hosts")}
	}
	expanded := make([]string, len(paths))
	for i, p := range paths {
		expanded[i] = expandHome(p)
	}
	return knownhosts.New(expanded...)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
