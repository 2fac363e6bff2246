package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// FileBackend is the recovery file: one "runId locator" line per directory.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Path() string {
	return b.path
}

// Save replaces the file through a temporary file in the same directory.
func (b *FileBackend) Save(_ context.Context, runs map[string][]string) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(f.Name())
	}()
	w := bufio.NewWriter(f)
	if err := Encode(w, runs); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), b.path)
}

// Load reads the file, a missing one is an empty registry.
func (b *FileBackend) Load(context.Context) (map[string][]string, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Decode(f)
}

// Encode writes runs in the recovery format, ordered by run id.
func Encode(w io.Writer, runs map[string][]string) error {
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, dir := range runs[id] {
			if _, err := fmt.Fprintf(w, "%s %s\n", id, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode reads the recovery format. Reading stops silently at the first
// line which is not a run id and a locator separated by a space.
func Decode(r io.Reader) (map[string][]string, error) {
	runs := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " ")
		if len(fields) != 2 {
			break
		}
		if _, err := model.ParseLocator(fields[1]); err != nil {
			break
		}
		runs[fields[0]] = append(runs[fields[0]], fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}
