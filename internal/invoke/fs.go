package invoke

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
)

type sftpFS struct {
	c *sftp.Client
}

// NewSFTPFS adapts an sftp channel.
func NewSFTPFS(c *sftp.Client) FileSystem {
	return sftpFS{c: c}
}

func (f sftpFS) Stat(name string) (fs.FileInfo, error) {
	return f.c.Stat(name)
}

func (f sftpFS) Mkdir(name string) error {
	return f.c.Mkdir(name)
}

func (f sftpFS) ReadDir(name string) ([]fs.FileInfo, error) {
	return f.c.ReadDir(name)
}

func (f sftpFS) Remove(name string) error {
	return f.c.Remove(name)
}

func (f sftpFS) Create(name string) (io.WriteCloser, error) {
	return f.c.Create(name)
}

func (f sftpFS) Open(name string) (io.ReadCloser, error) {
	return f.c.Open(name)
}

type aferoFS struct {
	fs afero.Fs
}

// NewAferoFS adapts an afero file system, used by the local variant and
// in tests.
func NewAferoFS(fs afero.Fs) FileSystem {
	return aferoFS{fs: fs}
}

func (f aferoFS) Stat(name string) (fs.FileInfo, error) {
	return f.fs.Stat(name)
}

func (f aferoFS) Mkdir(name string) error {
	return f.fs.Mkdir(name, 0o755)
}

func (f aferoFS) ReadDir(name string) ([]fs.FileInfo, error) {
	return afero.ReadDir(f.fs, name)
}

func (f aferoFS) Remove(name string) error {
	return f.fs.Remove(name)
}

func (f aferoFS) Create(name string) (io.WriteCloser, error) {
	return f.fs.Create(name)
}

func (f aferoFS) Open(name string) (io.ReadCloser, error) {
	return f.fs.Open(name)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

// removeAll deletes dir with all its content, listing every level first.
// A missing dir is not an error.
func removeAll(fsys FileSystem, dir string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			err = removeAll(fsys, p)
		} else {
			err = fsys.Remove(p)
		}
		if err != nil && !isNotExist(err) {
			return err
		}
	}
	if err := fsys.Remove(dir); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
