// Package reference keeps the data exchanged with invocations behind opaque
// handles: inline bytes, URLs, files left on a node and lists of handles.
package reference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/exttool/internal/model"
)

type Handle string

type Kind int

const (
	KindData Kind = iota
	KindURL
	KindLocator
	KindList
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindURL:
		return "url"
	case KindLocator:
		return "locator"
	case KindList:
		return "list"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the resolved content of a handle. Only the field of its Kind is
// set.
type Value struct {
	Kind    Kind
	Data    []byte
	URL     string
	Locator model.Locator
	Items   []Handle
	Err     error
}

// LocatorOpener reads a file which stayed on a node.
type LocatorOpener interface {
	OpenLocator(ctx context.Context, loc model.Locator) (io.ReadCloser, error)
}

var ErrNotStream = errors.New("reference has no byte stream")

type Option func(*Store)

func WithHTTPClient(c *resty.Client) Option {
	return func(s *Store) {
		s.http = c
	}
}

func WithLocatorOpener(o LocatorOpener) Option {
	return func(s *Store) {
		s.remote = o
	}
}

// Store is an in-memory reference service safe for concurrent use.
type Store struct {
	mx     sync.RWMutex
	values map[Handle]Value
	http   *resty.Client
	remote LocatorOpener
}

func New(opts ...Option) *Store {
	s := &Store{
		values: make(map[Handle]Value),
		http:   resty.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLocatorOpener installs the reader of remote references.
func (s *Store) SetLocatorOpener(o LocatorOpener) {
	s.mx.Lock()
	s.remote = o
	s.mx.Unlock()
}

func (s *Store) Register(v Value) Handle {
	h := Handle(uuid.NewString())
	s.mx.Lock()
	s.values[h] = v
	s.mx.Unlock()
	return h
}

func (s *Store) RegisterBytes(b []byte) Handle {
	return s.Register(Value{Kind: KindData, Data: b})
}

func (s *Store) RegisterString(str string) Handle {
	return s.RegisterBytes([]byte(str))
}

func (s *Store) RegisterURL(u string) Handle {
	return s.Register(Value{Kind: KindURL, URL: u})
}

func (s *Store) RegisterLocator(loc model.Locator) Handle {
	return s.Register(Value{Kind: KindLocator, Locator: loc})
}

func (s *Store) RegisterList(items ...Handle) Handle {
	return s.Register(Value{Kind: KindList, Items: append([]Handle(nil), items...)})
}

func (s *Store) RegisterError(err error) Handle {
	return s.Register(Value{Kind: KindError, Err: err})
}

func (s *Store) Resolve(h Handle) (Value, error) {
	s.mx.RLock()
	v, ok := s.values[h]
	s.mx.RUnlock()
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", model.ErrUnknownReference, h)
	}
	return v, nil
}

// Open streams the bytes of a handle.
func (s *Store) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	v, err := s.Resolve(h)
	if err != nil {
		return nil, err
	}
	switch v.Kind {
	case KindData:
		return io.NopCloser(bytes.NewReader(v.Data)), nil
	case KindURL:
		return s.fetch(ctx, v.URL)
	case KindLocator:
		s.mx.RLock()
		remote := s.remote
		s.mx.RUnlock()
		if remote == nil {
			return nil, fmt.Errorf("opening %s: no locator opener", v.Locator)
		}
		return remote.OpenLocator(ctx, v.Locator)
	case KindError:
		return nil, v.Err
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotStream, v.Kind)
	}
}

func (s *Store) Bytes(ctx context.Context, h Handle) ([]byte, error) {
	r, err := s.Open(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}

// Render returns the content of a handle as a string.
func (s *Store) Render(ctx context.Context, h Handle) (string, error) {
	b, err := s.Bytes(ctx, h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Release forgets a handle. Releasing a list does not release its items.
func (s *Store) Release(h Handle) {
	s.mx.Lock()
	delete(s.values, h)
	s.mx.Unlock()
}

func (s *Store) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.values)
}

func (s *Store) fetch(ctx context.Context, raw string) (io.ReadCloser, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme == "file" {
		return os.Open(u.Path)
	}
	res, err := s.http.R().SetContext(ctx).Get(raw)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", raw, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("fetching %s: %s", raw, res.Status())
	}
	return io.NopCloser(bytes.NewReader(res.Body())), nil
}
