package invoke_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/exttool/internal/credentials"
	"github.com/CZERTAINLY/exttool/internal/hostlock"
	"github.com/CZERTAINLY/exttool/internal/invoke"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
	"github.com/CZERTAINLY/exttool/internal/sshpool"
	"github.com/CZERTAINLY/exttool/internal/sshtest"
)

func TestRemoteHost(t *testing.T) {
	t.Parallel()
	srv := sshtest.NewServer()
	t.Cleanup(srv.Close)
	pool := sshpool.New()
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})
	creds := &credentials.Static{User: sshtest.User, Password: sshtest.Password}
	node := model.NewNode(srv.Host(), srv.Port(), t.TempDir())
	host := invoke.NewRemoteHost(pool, node, creds)
	refs := reference.New()
	opts := invoke.Options{Locks: hostlock.New(), References: refs}

	tool := model.Tool{
		Command: "tr a-z A-Z < %%IN%% > upper.txt && printf done",
		Inputs:  map[string]model.Input{"in": {Tag: "IN", File: true}},
		Outputs: map[string]model.Output{"upper": {Path: "upper.txt"}},
	}

	t.Run("round trip", func(t *testing.T) {
		inv, err := invoke.New(t.Context(), tool, host, opts)
		require.NoError(t, err)
		require.NoError(t, inv.SetInput(t.Context(), "in", refs.RegisterString("hello")))

		results, err := inv.Submit(t.Context())
		require.NoError(t, err)
		require.Equal(t, "done", string(results.Stdout()))

		upper := results["upper"]
		require.Equal(t, invoke.ResultRemote, upper.Kind)
		b, err := os.ReadFile(upper.Locator.Path())
		require.NoError(t, err)
		require.Equal(t, "HELLO", string(b))

		require.NoError(t, inv.Cleanup(t.Context()))
		_, err = os.Stat(inv.Dir().Dir())
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("exit code", func(t *testing.T) {
		inv, err := invoke.New(t.Context(), model.Tool{Command: "exit 7"}, host, opts)
		require.NoError(t, err)
		_, err = inv.Submit(t.Context())
		var exitErr *model.InvalidExitCodeError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 7, exitErr.Code)
		require.NoError(t, inv.Cleanup(t.Context()))
	})

	require.Equal(t, 1, creds.Successes())
}

func TestLocalHost(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	node := model.NewNode(model.LocalHost, 0, base)
	node.RetrieveData = true
	host := invoke.NewLocalHost(node, nil)

	refs := reference.New()
	tool := model.Tool{
		Command: "cat %%IN%% %%SUFFIX%% > out.txt",
		Inputs: map[string]model.Input{
			"in":     {Tag: "IN", TempFile: true},
			"suffix": {Tag: "SUFFIX", File: true},
		},
		Outputs: map[string]model.Output{"out": {Path: "out.txt"}},
	}
	inv, err := invoke.New(t.Context(), tool, host, invoke.Options{References: refs})
	require.NoError(t, err)
	require.Equal(t, base+"/", inv.Dir().Node.Directory)

	require.NoError(t, inv.SetInput(t.Context(), "in", refs.RegisterString("local ")))
	require.NoError(t, inv.SetInput(t.Context(), "suffix", refs.RegisterString("run")))
	results, err := inv.Submit(t.Context())
	require.NoError(t, err)
	require.Equal(t, "local run", string(results["out"].Data))
	require.Equal(t, invoke.StateCleanedUp, inv.State())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Empty(t, entries)
	_, err = os.Stat(filepath.Join(inv.Dir().Dir(), "out.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalHost_CleanupAfterInterrupt(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	host := invoke.NewLocalHost(model.NewNode(model.LocalHost, 0, base), nil)
	pidFile := filepath.Join(base, "pid")

	tool := model.Tool{Command: "echo $$ > " + pidFile + " && exec sleep 30"}
	inv, err := invoke.New(t.Context(), tool, host, invoke.Options{
		References:   reference.New(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	_, err = inv.Submit(ctx)
	var interrupted *model.InterruptedWaitError
	require.ErrorAs(t, err, &interrupted)

	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, inv.Cleanup(t.Context()))
	require.Equal(t, invoke.StateCleanedUp, inv.State())
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(inv.Dir().Dir())
	require.ErrorIs(t, err, os.ErrNotExist)
}
