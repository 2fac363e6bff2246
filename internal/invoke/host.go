package invoke

import (
	"context"
	"io"
	"io/fs"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
)

// FileSystem is the file access an invocation needs on its host. Paths are
// absolute and slash separated.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	Mkdir(name string) error
	ReadDir(name string) ([]fs.FileInfo, error)
	// Remove deletes a file or an empty directory.
	Remove(name string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
}

// Process is a started command.
type Process interface {
	// Exited reports, without blocking, if the command has finished.
	Exited() bool
	// ExitCode is valid once Exited returns true.
	ExitCode() (int, error)
	Close() error
}

// Host is the transport capability an invocation is parameterized over.
// The remote variant works over pooled ssh sessions, the local one over the
// local file system and os/exec.
type Host interface {
	Node() model.Node
	// Uploads returns the file system used to create directories and
	// write inputs. It may be shared with other invocations of the same
	// host, callers serialize on the host lock.
	Uploads(ctx context.Context) (FileSystem, error)
	// Downloads returns the file system used to read outputs, shared the
	// same way as Uploads.
	Downloads(ctx context.Context) (FileSystem, error)
	// Start runs command without waiting for it.
	Start(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (Process, error)
}

// References is the data reference service an invocation consumes.
type References interface {
	Resolve(h reference.Handle) (reference.Value, error)
	Open(ctx context.Context, h reference.Handle) (io.ReadCloser, error)
	RegisterURL(u string) reference.Handle
}

// Runs is the bookkeeping of working directories per run.
type Runs interface {
	Remember(ctx context.Context, runID string, dir model.Locator) error
	Forget(ctx context.Context, runID string, dir model.Locator)
}
