package invoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/text/transform"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
)

// NamesSuffix is appended to the tag of a list input for the manifest of
// bare file names.
const NamesSuffix = "_NAMES"

type source interface {
	open(ctx context.Context) (io.ReadCloser, error)
	// locator reports a file which already sits on some node
	locator() (model.Locator, bool)
}

type handleSource struct {
	refs References
	h    reference.Handle
}

func (s handleSource) open(ctx context.Context) (io.ReadCloser, error) {
	return s.refs.Open(ctx, s.h)
}

func (s handleSource) locator() (model.Locator, bool) {
	v, err := s.refs.Resolve(s.h)
	if err != nil || v.Kind != reference.KindLocator {
		return model.Locator{}, false
	}
	return v.Locator, true
}

type bytesSource []byte

func (s bytesSource) open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s)), nil
}

func (bytesSource) locator() (model.Locator, bool) {
	return model.Locator{}, false
}

// SetInput stages the value of a declared input.
func (i *Invocation) SetInput(ctx context.Context, name string, h reference.Handle) error {
	if i.state != StateStaging {
		return fmt.Errorf("input %s in state %s: %w", name, i.state, model.ErrAlreadySubmitted)
	}
	in, ok := i.tool.Inputs[name]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownInput, name)
	}
	if h == "" {
		return fmt.Errorf("%w for %s", model.ErrNoInput, name)
	}

	if in.List {
		if err := i.setList(ctx, in, h); err != nil {
			return i.fail("stage "+name, err)
		}
		return nil
	}
	value, err := i.setOne(ctx, in, handleSource{refs: i.refs, h: h})
	if err != nil {
		return i.fail("stage "+name, err)
	}
	i.tags[in.Tag] = value
	return nil
}

// setOne returns the value substituted for the tag of in: the content itself
// for inline inputs, the target path for staged ones.
func (i *Invocation) setOne(ctx context.Context, in model.Input, src source) (string, error) {
	if !in.File && !in.TempFile {
		return readString(ctx, src)
	}

	var name string
	if in.File {
		name = in.Tag
	} else {
		name = fmt.Sprintf("tempfile.%d.tmp", i.tempFiles)
		i.tempFiles++
	}
	target := path.Join(i.Dir().Dir(), name)

	if loc, ok := src.locator(); ok && loc.Node.Host == i.node.Host {
		if !in.ForceCopy && i.node.LinkCommand != "" {
			i.preceding = append(i.preceding, stagingCommand(i.node.LinkCommand, loc.Path(), name, target))
			return target, nil
		}
		if i.node.CopyCommand != "" {
			i.preceding = append(i.preceding, stagingCommand(i.node.CopyCommand, loc.Path(), name, target))
			return target, nil
		}
	}

	enc, err := in.Encoding()
	if err != nil {
		return "", err
	}
	// the source may live on another host, so it is opened before taking
	// the lock of this one
	r, err := src.open(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = r.Close()
	}()
	var data io.Reader = r
	if enc != nil {
		data = transform.NewReader(r, enc.NewEncoder())
	}
	fsys, err := i.host.Uploads(ctx)
	if err != nil {
		return "", err
	}
	err = i.locks.Do(i.node.Host, func() error {
		return put(fsys, target, data)
	})
	if err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "input uploaded", "invocation", i.id, "target", target)
	return target, nil
}

// setList stages every element of a list as a temporary file described by
// two manifests, or all elements concatenated into a single file.
func (i *Invocation) setList(ctx context.Context, in model.Input, h reference.Handle) error {
	v, err := i.refs.Resolve(h)
	if err != nil {
		return err
	}
	if v.Kind != reference.KindList {
		return fmt.Errorf("input %s expects a list, got %s", in.Tag, v.Kind)
	}

	if in.Concatenate {
		var buf bytes.Buffer
		for _, item := range v.Items {
			if err := copyFrom(ctx, &buf, handleSource{refs: i.refs, h: item}); err != nil {
				return err
			}
			if !in.Binary {
				buf.WriteByte(' ')
			}
		}
		value, err := i.setOne(ctx, in, bytesSource(buf.Bytes()))
		if err != nil {
			return err
		}
		i.tags[in.Tag] = value
		return nil
	}

	sep := "\n"
	if !in.File && !in.TempFile {
		sep = " "
	}
	element := model.Input{TempFile: true, Binary: in.Binary, ForceCopy: in.ForceCopy, Charset: in.Charset}
	var paths, names strings.Builder
	for _, item := range v.Items {
		p, err := i.setOne(ctx, element, handleSource{refs: i.refs, h: item})
		if err != nil {
			return err
		}
		paths.WriteString(p + sep)
		names.WriteString(path.Base(p) + sep)
	}

	manifest := model.Input{Tag: in.Tag, File: in.File, TempFile: in.TempFile}
	value, err := i.setOne(ctx, manifest, bytesSource(paths.String()))
	if err != nil {
		return err
	}
	i.tags[in.Tag] = value

	manifest.Tag = in.Tag + NamesSuffix
	value, err = i.setOne(ctx, manifest, bytesSource(names.String()))
	if err != nil {
		return err
	}
	i.tags[manifest.Tag] = value
	return nil
}

func put(fsys FileSystem, target string, r io.Reader) error {
	w, err := fsys.Create(target)
	if err != nil {
		return &model.ProtocolError{Op: "put", Path: target, Err: err}
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return &model.ProtocolError{Op: "put", Path: target, Err: err}
	}
	if err := w.Close(); err != nil {
		return &model.ProtocolError{Op: "put", Path: target, Err: err}
	}
	return nil
}

func copyFrom(ctx context.Context, w io.Writer, src source) error {
	r, err := src.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	_, err = io.Copy(w, r)
	return err
}

func readString(ctx context.Context, src source) (string, error) {
	var sb strings.Builder
	if err := copyFrom(ctx, &sb, src); err != nil {
		return "", err
	}
	return sb.String(), nil
}
