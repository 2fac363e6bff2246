package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/sshpool"
)

// RemoteHost runs invocations on a node over pooled ssh sessions.
type RemoteHost struct {
	pool  *sshpool.Pool
	node  model.Node
	creds model.Credentials
}

func NewRemoteHost(pool *sshpool.Pool, node model.Node, creds model.Credentials) *RemoteHost {
	return &RemoteHost{pool: pool, node: node, creds: creds}
}

func (h *RemoteHost) Node() model.Node {
	return h.node
}

func (h *RemoteHost) Uploads(ctx context.Context) (FileSystem, error) {
	c, err := h.pool.UploadChannel(ctx, h.node, h.creds)
	if err != nil {
		return nil, err
	}
	return NewSFTPFS(c), nil
}

func (h *RemoteHost) Downloads(ctx context.Context) (FileSystem, error) {
	c, err := h.pool.DownloadChannel(ctx, h.node, h.creds)
	if err != nil {
		return nil, err
	}
	return NewSFTPFS(c), nil
}

func (h *RemoteHost) Start(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	sess, err := h.pool.OpenExec(ctx, h.node, h.creds)
	if err != nil {
		return nil, err
	}
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, &model.ConnectionError{Node: h.node.URL(), Err: fmt.Errorf("starting command: %w", err)}
	}
	p := &remoteProcess{sess: sess, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type remoteProcess struct {
	sess *ssh.Session
	done chan struct{}
	once sync.Once
	err  error
}

func (p *remoteProcess) wait() {
	p.err = p.sess.Wait()
	close(p.done)
}

func (p *remoteProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *remoteProcess) ExitCode() (int, error) {
	<-p.done
	var exitErr *ssh.ExitError
	switch {
	case p.err == nil:
		return 0, nil
	case errors.As(p.err, &exitErr):
		return exitErr.ExitStatus(), nil
	default:
		return -1, &model.ProtocolError{Op: "exec", Err: p.err}
	}
}

func (p *remoteProcess) Close() error {
	var err error
	p.once.Do(func() {
		err = p.sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
