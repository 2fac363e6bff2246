// Package sshtest is an equivalent of net/http/httptest for ssh servers. The
// server runs commands through sh and serves the sftp subsystem from the
// local file system, which is enough for real round trips in tests.
package sshtest

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
)

const (
	User     = "tester"
	Password = "secret"
)

// Server is an in-process ssh server accepting User/Password.
type Server struct {
	Listener net.Listener

	handler ssh.Handler
	server  *ssh.Server
	wg      sync.WaitGroup

	logins   atomic.Int32
	commands atomic.Int32
}

// NewServer starts a server executing commands with sh -c.
func NewServer() *Server {
	s := NewUnstartedServer(nil)
	s.Start()
	return s
}

// NewUnstartedServer returns a server which is not listening yet. A nil
// handler means sh -c execution of the requested command.
func NewUnstartedServer(handler ssh.Handler) *Server {
	s := &Server{handler: handler}
	if s.handler == nil {
		s.handler = s.exec
	}
	return s
}

func (ts *Server) Start() {
	if ts.server != nil {
		panic("already started")
	}
	if ts.Listener == nil {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic("cannot listen: " + err.Error())
		}
		ts.Listener = listener
	}
	ts.server = &ssh.Server{
		Addr:    ts.Listener.Addr().String(),
		Handler: ts.handler,
		PasswordHandler: func(_ ssh.Context, password string) bool {
			ok := password == Password
			if ok {
				ts.logins.Add(1)
			}
			return ok
		},
		SubsystemHandlers: map[string]ssh.SubsystemHandler{
			"sftp": sftpHandler,
		},
	}
	ts.wg.Go(func() {
		err := ts.server.Serve(ts.Listener)
		if errors.Is(err, ssh.ErrServerClosed) {
			// pass
		} else if err != nil && !errors.Is(err, net.ErrClosed) {
			panic("server error: " + err.Error())
		}
	})
}

func (ts *Server) AddrPort() netip.AddrPort {
	if ts.Listener == nil {
		panic("not yet started")
	}
	return netip.MustParseAddrPort(ts.Listener.Addr().String())
}

func (ts *Server) Host() string {
	return ts.AddrPort().Addr().String()
}

func (ts *Server) Port() int {
	return int(ts.AddrPort().Port())
}

// Logins is the number of successful authentications.
func (ts *Server) Logins() int {
	return int(ts.logins.Load())
}

// Commands is the number of executed commands.
func (ts *Server) Commands() int {
	return int(ts.commands.Load())
}

func (ts *Server) Close() {
	if ts.server == nil {
		panic("not yet started")
	}
	_ = ts.server.Close()
	_ = ts.Listener.Close()
	ts.wg.Wait()
}

func (ts *Server) exec(s ssh.Session) {
	ts.commands.Add(1)
	cmd := exec.Command("sh", "-c", s.RawCommand())
	cmd.Stdin = s
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		_ = s.Exit(0)
	case errors.As(err, &exitErr):
		_ = s.Exit(exitErr.ExitCode())
	default:
		_, _ = io.WriteString(s.Stderr(), err.Error())
		_ = s.Exit(255)
	}
}

func sftpHandler(s ssh.Session) {
	server, err := sftp.NewServer(s)
	if err != nil {
		return
	}
	if err := server.Serve(); errors.Is(err, io.EOF) {
		_ = server.Close()
	}
}
