// Package credentials supplies ssh authentication material to the pool.
//
// A secret (password or key passphrase) is looked up in this order:
//  1. the environment variable configured for the node
//  2. OS keyring, when enabled for the node
//  3. an interactive prompt, when one is installed
//
// A secret which led to a successful login is stored in the keyring, so the
// next run does not need to ask again.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// KeyringService is the service name used in OS keyring storage.
const KeyringService = "exttool"

var ErrNoSecret = errors.New("no secret available")

type Source string

const (
	SourceEnv     Source = "environment variable"
	SourceKeyring Source = "keyring"
	SourcePrompt  Source = "prompt"
	SourceNone    Source = ""
)

// PromptFunc asks a user for the secret of an account.
type PromptFunc func(ctx context.Context, account string) (string, error)

type Option func(*Provider)

func WithPrompt(fn PromptFunc) Option {
	return func(p *Provider) {
		p.prompt = fn
	}
}

// Provider implements model.Credentials for one configured node.
type Provider struct {
	user    string
	keyFile string
	account string
	envVar  string
	keyring bool
	prompt  PromptFunc

	mx      sync.Mutex
	pending string
	source  Source
}

// New returns credentials of a configured node. An empty user means the
// current OS user.
func New(cfg model.NodeConfig, opts ...Option) *Provider {
	name := cfg.User
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	node := cfg.Node()
	p := &Provider{
		user:    name,
		keyFile: cfg.KeyFile,
		account: name + "@" + node.Addr(),
		envVar:  cfg.PasswordEnv,
		keyring: cfg.Keyring,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Username() string {
	return p.user
}

func (p *Provider) KeyFile() string {
	return p.keyFile
}

// Account is the keyring account name, user@host:port.
func (p *Provider) Account() string {
	return p.account
}

func (p *Provider) Secret(ctx context.Context) (string, error) {
	secret, source, err := p.lookup(ctx)
	if err != nil {
		return "", err
	}
	p.mx.Lock()
	p.pending = secret
	p.source = source
	p.mx.Unlock()
	slog.DebugContext(ctx, "secret found", "account", p.account, "source", string(source))
	return secret, nil
}

func (p *Provider) lookup(ctx context.Context) (string, Source, error) {
	if p.envVar != "" {
		if v := os.Getenv(p.envVar); v != "" {
			return v, SourceEnv, nil
		}
	}
	if p.keyring {
		v, err := keyring.Get(KeyringService, p.account)
		switch {
		case err == nil && v != "":
			return v, SourceKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			slog.WarnContext(ctx, "keyring lookup failed", "account", p.account, "error", err)
		}
	}
	if p.prompt != nil {
		v, err := p.prompt(ctx, p.account)
		if err != nil {
			return "", SourceNone, fmt.Errorf("asking for a secret of %s: %w", p.account, err)
		}
		return v, SourcePrompt, nil
	}
	return "", SourceNone, fmt.Errorf("%s: %w", p.account, ErrNoSecret)
}

// AuthenticationSucceeded caches the secret which was just used in the
// keyring.
func (p *Provider) AuthenticationSucceeded(ctx context.Context) {
	p.mx.Lock()
	secret, source := p.pending, p.source
	p.pending = ""
	p.mx.Unlock()

	if !p.keyring || secret == "" || source == SourceKeyring {
		return
	}
	if err := keyring.Set(KeyringService, p.account, secret); err != nil {
		slog.WarnContext(ctx, "storing secret in keyring failed", "account", p.account, "error", err)
	}
}

// Forget removes the cached secret from the keyring.
func (p *Provider) Forget() error {
	err := keyring.Delete(KeyringService, p.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
