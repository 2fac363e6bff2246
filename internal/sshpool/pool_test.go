package sshpool_test

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/CZERTAINLY/exttool/internal/credentials"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/sshpool"
	"github.com/CZERTAINLY/exttool/internal/sshtest"
)

func newNode(t *testing.T, srv *sshtest.Server) model.Node {
	t.Helper()
	return model.NewNode(srv.Host(), srv.Port(), t.TempDir())
}

func creds() *credentials.Static {
	return &credentials.Static{User: sshtest.User, Password: sshtest.Password}
}

func TestPool(t *testing.T) {
	t.Parallel()
	srv := sshtest.NewServer()
	t.Cleanup(srv.Close)

	pool := sshpool.New()
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})
	node := newNode(t, srv)
	c := creds()
	ctx := t.Context()

	t.Run("session is reused", func(t *testing.T) {
		s1, err := pool.Session(ctx, node, c)
		require.NoError(t, err)
		s2, err := pool.Session(ctx, node, c)
		require.NoError(t, err)
		require.Same(t, s1, s2)
		require.Equal(t, 1, c.Successes())
		require.Equal(t, 1, pool.Len())
	})

	t.Run("channels are cached per kind", func(t *testing.T) {
		up1, err := pool.UploadChannel(ctx, node, c)
		require.NoError(t, err)
		up2, err := pool.UploadChannel(ctx, node, c)
		require.NoError(t, err)
		require.Same(t, up1, up2)

		down, err := pool.DownloadChannel(ctx, node, c)
		require.NoError(t, err)
		require.NotSame(t, up1, down)

		w, err := up1.Create(node.Directory + "hello.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := down.Open(node.Directory + "hello.txt")
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, "hello", buf.String())
	})

	t.Run("exec channel is fresh", func(t *testing.T) {
		e1, err := pool.OpenExec(ctx, node, c)
		require.NoError(t, err)
		e2, err := pool.OpenExec(ctx, node, c)
		require.NoError(t, err)
		require.NotSame(t, e1, e2)

		out, err := e1.Output("printf ok")
		require.NoError(t, err)
		require.Equal(t, "ok", string(out))
		_ = e2.Close()
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, pool.Ping(ctx, node, c))

		missing := model.NewNode(node.Host, node.Port, node.Directory+"does/not/exist")
		err := pool.Ping(ctx, missing, c)
		var perr *model.ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("invalidate reconnects", func(t *testing.T) {
		s1, err := pool.Session(ctx, node, c)
		require.NoError(t, err)
		before := c.Successes()
		length := pool.Len()
		require.NoError(t, pool.Invalidate(node))
		require.Equal(t, length-1, pool.Len())
		s2, err := pool.Session(ctx, node, c)
		require.NoError(t, err)
		require.NotSame(t, s1, s2)
		require.Equal(t, before+1, c.Successes())
	})

	t.Run("disconnected session is replaced", func(t *testing.T) {
		s1, err := pool.Session(ctx, node, c)
		require.NoError(t, err)
		require.NoError(t, s1.Close())
		require.Eventually(t, func() bool {
			s2, err := pool.Session(ctx, node, c)
			return err == nil && s2 != s1
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestPool_Concurrent(t *testing.T) {
	t.Parallel()
	srv := sshtest.NewServer()
	t.Cleanup(srv.Close)

	pool := sshpool.New()
	t.Cleanup(func() {
		_ = pool.Close()
	})
	node := newNode(t, srv)
	c := creds()

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			_, err := pool.UploadChannel(t.Context(), node, c)
			require.NoError(t, err)
		})
	}
	wg.Wait()
	require.Equal(t, 1, c.Successes(), "sessions must not be established twice")
	require.Equal(t, 1, srv.Logins())
}

func TestPool_ConnectionError(t *testing.T) {
	t.Parallel()

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()
		srv := sshtest.NewServer()
		t.Cleanup(srv.Close)
		pool := sshpool.New(sshpool.WithConnectTimeout(2 * time.Second))
		t.Cleanup(func() {
			_ = pool.Close()
		})

		bad := &credentials.Static{User: sshtest.User, Password: "wrong"}
		_, err := pool.Session(t.Context(), newNode(t, srv), bad)
		var cerr *model.ConnectionError
		require.ErrorAs(t, err, &cerr)
		require.Zero(t, bad.Successes())
		require.Zero(t, pool.Len())
	})

	t.Run("nothing listens", func(t *testing.T) {
		t.Parallel()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		require.NoError(t, ln.Close())

		pool := sshpool.New(sshpool.WithConnectTimeout(time.Second))
		node := model.NewNode("127.0.0.1", addr.Port, "/tmp")
		_, err = pool.UploadChannel(t.Context(), node, creds())
		var cerr *model.ConnectionError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, node.URL(), cerr.Node)
	})

	t.Run("host key rejected", func(t *testing.T) {
		t.Parallel()
		srv := sshtest.NewServer()
		t.Cleanup(srv.Close)
		reject := errors.New("unknown host")
		pool := sshpool.New(sshpool.WithHostKeys(func(model.Node) (ssh.HostKeyCallback, error) {
			return nil, reject
		}))
		_, err := pool.Session(t.Context(), newNode(t, srv), creds())
		require.ErrorIs(t, err, reject)
	})
}
