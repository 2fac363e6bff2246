package invoke

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"

	"github.com/spf13/afero"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// LocalHost runs invocations on this machine. Working directories live
// under the node directory of the local file system.
type LocalHost struct {
	node  model.Node
	fs    FileSystem
	shell string
}

// NewLocalHost returns a host rooted at dir. A nil fs means the OS file
// system.
func NewLocalHost(node model.Node, fs afero.Fs) *LocalHost {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if node.Host == "" {
		node.Host = model.LocalHost
	}
	return &LocalHost{node: node, fs: NewAferoFS(fs), shell: "sh"}
}

func (h *LocalHost) Node() model.Node {
	return h.node
}

func (h *LocalHost) Uploads(context.Context) (FileSystem, error) {
	return h.fs, nil
}

func (h *LocalHost) Downloads(context.Context) (FileSystem, error) {
	return h.fs, nil
}

// Start runs the command through sh -c. The process is not bound to ctx, a
// canceled wait leaves it running the same way a remote command does.
func (h *LocalHost) Start(_ context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	cmd := exec.Command(h.shell, "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &model.ProtocolError{Op: "exec", Err: err}
	}
	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
}

func (p *localProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *localProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *localProcess) ExitCode() (int, error) {
	<-p.done
	var exitErr *exec.ExitError
	switch {
	case p.err == nil:
		return p.cmd.ProcessState.ExitCode(), nil
	case errors.As(p.err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, &model.ProtocolError{Op: "exec", Err: p.err}
	}
}

func (p *localProcess) Close() error {
	p.once.Do(func() {
		if !p.Exited() && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}
