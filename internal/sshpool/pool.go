// Package sshpool shares authenticated ssh sessions between invocations.
//
// Every node has at most one session. A session caches one sftp channel for
// uploads and one for downloads, command execution always gets a fresh
// channel. Sessions found disconnected are replaced on the next use, nothing
// a concurrent invocation may still use is ever closed implicitly.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/CZERTAINLY/exttool/internal/model"
)

const DefaultConnectTimeout = 10 * time.Second

// HostKeysFunc returns the host key verification of a node.
type HostKeysFunc func(node model.Node) (ssh.HostKeyCallback, error)

type Option func(*Pool)

func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithHostKeys(fn HostKeysFunc) Option {
	return func(p *Pool) {
		if fn != nil {
			p.hostKeys = fn
		}
	}
}

type Pool struct {
	mx       sync.Mutex
	sessions map[model.NodeKey]*session
	timeout  time.Duration
	hostKeys HostKeysFunc
}

// New returns an empty pool. Without WithHostKeys every host key is accepted.
func New(opts ...Option) *Pool {
	p := &Pool{
		sessions: make(map[model.NodeKey]*session),
		timeout:  DefaultConnectTimeout,
		hostKeys: func(model.Node) (ssh.HostKeyCallback, error) {
			return ssh.InsecureIgnoreHostKey(), nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type session struct {
	client *ssh.Client
	done   <-chan struct{}
	get    *channel
	put    *channel
}

type channel struct {
	*sftp.Client
	done <-chan struct{}
}

// Session returns a connected session to a node.
func (p *Pool) Session(ctx context.Context, node model.Node, creds model.Credentials) (*ssh.Client, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	s, err := p.session(ctx, node, creds)
	if err != nil {
		return nil, err
	}
	return s.client, nil
}

// UploadChannel returns the cached sftp channel used for uploads.
func (p *Pool) UploadChannel(ctx context.Context, node model.Node, creds model.Credentials) (*sftp.Client, error) {
	return p.channel(ctx, node, creds, func(s *session) **channel { return &s.put })
}

// DownloadChannel returns the cached sftp channel used for downloads.
func (p *Pool) DownloadChannel(ctx context.Context, node model.Node, creds model.Credentials) (*sftp.Client, error) {
	return p.channel(ctx, node, creds, func(s *session) **channel { return &s.get })
}

// OpenExec opens a new execution channel. The caller owns it and must
// close it.
func (p *Pool) OpenExec(ctx context.Context, node model.Node, creds model.Credentials) (*ssh.Session, error) {
	client, err := p.Session(ctx, node, creds)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, &model.ConnectionError{Node: node.URL(), Err: fmt.Errorf("opening exec channel: %w", err)}
	}
	return sess, nil
}

// Ping connects to a node and checks its base directory is accessible
// through a fresh sftp channel.
func (p *Pool) Ping(ctx context.Context, node model.Node, creds model.Credentials) error {
	client, err := p.Session(ctx, node, creds)
	if err != nil {
		return err
	}
	c, err := sftp.NewClient(client)
	if err != nil {
		return &model.ConnectionError{Node: node.URL(), Err: fmt.Errorf("opening sftp channel: %w", err)}
	}
	defer func() {
		_ = c.Close()
	}()
	dir := node.Key().Directory
	info, err := c.Stat(dir)
	if err != nil {
		return &model.ProtocolError{Op: "stat", Path: dir, Err: err}
	}
	if !info.IsDir() {
		return &model.ProtocolError{Op: "stat", Path: dir, Err: errors.New("not a directory")}
	}
	return nil
}

// Invalidate disconnects a node and drops its cached channels.
func (p *Pool) Invalidate(node model.Node) error {
	p.mx.Lock()
	s, ok := p.sessions[node.Key()]
	delete(p.sessions, node.Key())
	p.mx.Unlock()
	if !ok {
		return nil
	}
	return s.close()
}

// Close disconnects every session of the pool.
func (p *Pool) Close() error {
	p.mx.Lock()
	sessions := p.sessions
	p.sessions = make(map[model.NodeKey]*session)
	p.mx.Unlock()

	var merr *multierror.Error
	for key, s := range sessions {
		if err := s.close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing %s: %w", key, err))
		}
	}
	return merr.ErrorOrNil()
}

// Len is the number of cached sessions, including disconnected ones.
func (p *Pool) Len() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.sessions)
}

func (p *Pool) channel(ctx context.Context, node model.Node, creds model.Credentials, pick func(*session) **channel) (*sftp.Client, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	s, err := p.session(ctx, node, creds)
	if err != nil {
		return nil, err
	}
	chp := pick(s)
	if *chp != nil && alive((*chp).done) {
		return (*chp).Client, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &model.ConnectionError{Node: node.URL(), Err: fmt.Errorf("opening sftp channel: %w", err)}
	}
	*chp = &channel{Client: c, done: watch(c.Wait)}
	return c, nil
}

// session must be called with p.mx held.
func (p *Pool) session(ctx context.Context, node model.Node, creds model.Credentials) (*session, error) {
	key := node.Key()
	if s, ok := p.sessions[key]; ok {
		if alive(s.done) {
			return s, nil
		}
		slog.DebugContext(ctx, "session disconnected: reconnecting", "node", node.URL())
	}
	client, err := p.connect(ctx, node, creds)
	if err != nil {
		return nil, &model.ConnectionError{Node: node.URL(), Err: err}
	}
	s := &session{client: client, done: watch(client.Wait)}
	p.sessions[key] = s
	slog.DebugContext(ctx, "session established", "node", node.URL())
	return s, nil
}

func (p *Pool) connect(ctx context.Context, node model.Node, creds model.Credentials) (*ssh.Client, error) {
	if creds == nil {
		return nil, errors.New("no credentials")
	}
	auth, err := authMethods(ctx, creds)
	if err != nil {
		return nil, err
	}
	hostKeys, err := p.hostKeys(node)
	if err != nil {
		return nil, fmt.Errorf("host keys: %w", err)
	}
	config := &ssh.ClientConfig{
		User:            creds.Username(),
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         p.timeout,
	}

	addr := node.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// the handshake is bound by the connect timeout as well
	_ = conn.SetDeadline(time.Now().Add(p.timeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	creds.AuthenticationSucceeded(ctx)
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s *session) close() error {
	var merr *multierror.Error
	for _, ch := range []*channel{s.get, s.put} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && !ignorableClose(err) {
			merr = multierror.Append(merr, err)
		}
	}
	if err := s.client.Close(); err != nil && !ignorableClose(err) {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

func ignorableClose(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// watch closes the returned channel once wait returns.
func watch(wait func() error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = wait()
		close(done)
	}()
	return done
}

func alive(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	default:
		return true
	}
}
