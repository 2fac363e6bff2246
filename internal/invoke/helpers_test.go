package invoke_test

import (
	"context"
	"io"
	"io/fs"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/exttool/internal/hostlock"
	"github.com/CZERTAINLY/exttool/internal/invoke"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
)

const workDir = "/work/usecase1"

type runFunc func(fsys afero.Fs, command string, stdin io.Reader, stdout, stderr io.Writer) int

// fakeHost executes commands by a Go function over an in-memory file system.
type fakeHost struct {
	node model.Node
	fs   afero.Fs
	run  runFunc
	gate chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32

	mx       sync.Mutex
	commands []string
	procs    []*fakeProcess
}

func newHost(t *testing.T, host string, run runFunc) *fakeHost {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/work", 0o755))
	if run == nil {
		run = func(afero.Fs, string, io.Reader, io.Writer, io.Writer) int { return 0 }
	}
	return &fakeHost{
		node: model.NewNode(host, 22, "/work"),
		fs:   fsys,
		run:  run,
	}
}

func (h *fakeHost) Node() model.Node {
	return h.node
}

func (h *fakeHost) Uploads(context.Context) (invoke.FileSystem, error) {
	return trackingFS{FileSystem: invoke.NewAferoFS(h.fs), h: h}, nil
}

func (h *fakeHost) Downloads(ctx context.Context) (invoke.FileSystem, error) {
	return h.Uploads(ctx)
}

func (h *fakeHost) Start(_ context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (invoke.Process, error) {
	p := &fakeProcess{done: make(chan struct{})}
	h.mx.Lock()
	h.commands = append(h.commands, command)
	h.procs = append(h.procs, p)
	h.mx.Unlock()
	go func() {
		if h.gate != nil {
			<-h.gate
		}
		p.code = h.run(h.fs, command, stdin, stdout, stderr)
		close(p.done)
	}()
	return p, nil
}

func (h *fakeHost) Commands() []string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return slices.Clone(h.commands)
}

func (h *fakeHost) Processes() []*fakeProcess {
	h.mx.Lock()
	defer h.mx.Unlock()
	return slices.Clone(h.procs)
}

type fakeProcess struct {
	done   chan struct{}
	code   int
	closed atomic.Bool
}

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) ExitCode() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) Close() error {
	p.closed.Store(true)
	return nil
}

// trackingFS records how many operations run at the same time.
type trackingFS struct {
	invoke.FileSystem
	h *fakeHost
}

func (f trackingFS) track() func() {
	n := f.h.active.Add(1)
	for {
		m := f.h.maxActive.Load()
		if n <= m || f.h.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.h.active.Add(-1) }
}

func (f trackingFS) Stat(name string) (fs.FileInfo, error) {
	defer f.track()()
	return f.FileSystem.Stat(name)
}

func (f trackingFS) Mkdir(name string) error {
	defer f.track()()
	return f.FileSystem.Mkdir(name)
}

func (f trackingFS) Create(name string) (io.WriteCloser, error) {
	defer f.track()()
	return f.FileSystem.Create(name)
}

func (f trackingFS) Remove(name string) error {
	defer f.track()()
	return f.FileSystem.Remove(name)
}

type fakeRuns struct {
	mx   sync.Mutex
	dirs map[string][]model.Locator
}

func newRuns() *fakeRuns {
	return &fakeRuns{dirs: make(map[string][]model.Locator)}
}

func (r *fakeRuns) Remember(_ context.Context, runID string, dir model.Locator) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.dirs[runID] = append(r.dirs[runID], dir)
	return nil
}

func (r *fakeRuns) Forget(_ context.Context, runID string, dir model.Locator) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.dirs[runID] = slices.DeleteFunc(r.dirs[runID], func(l model.Locator) bool {
		return l.Key() == dir.Key()
	})
	if len(r.dirs[runID]) == 0 {
		delete(r.dirs, runID)
	}
}

func (r *fakeRuns) Len(runID string) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.dirs[runID])
}

func fixedNames(names ...string) func() string {
	var i int
	return func() string {
		n := names[i%len(names)]
		i++
		return n
	}
}

func options(refs *reference.Store, runs invoke.Runs) invoke.Options {
	return invoke.Options{
		Locks:        hostlock.New(),
		References:   refs,
		Runs:         runs,
		PollInterval: 1,
		NewName:      fixedNames("1"),
	}
}

func readFile(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()
	b, err := afero.ReadFile(fsys, name)
	require.NoError(t, err)
	return string(b)
}
