package invoke

import (
	"bytes"
	"context"
	"io"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// Names of the captured standard streams in Results.
const (
	StdoutName = "STDOUT"
	StderrName = "STDERR"
)

type ResultKind int

const (
	// ResultInline carries the data itself.
	ResultInline ResultKind = iota
	// ResultRemote points to a file left in the working directory.
	ResultRemote
	// ResultError is a placeholder of an output which could not be read.
	ResultError
)

type Result struct {
	Kind    ResultKind
	Data    []byte
	Locator model.Locator
	Err     error
}

// Results maps output names, STDOUT and STDERR to their values.
type Results map[string]Result

func (r Results) Stdout() []byte {
	return r[StdoutName].Data
}

func (r Results) Stderr() []byte {
	return r[StderrName].Data
}

func (i *Invocation) fetch(ctx context.Context) (Results, error) {
	results := Results{
		StdoutName: {Kind: ResultInline, Data: bytes.Clone(i.stdout.Bytes())},
		StderrName: {Kind: ResultInline, Data: bytes.Clone(i.stderr.Bytes())},
	}
	if len(i.tool.Outputs) == 0 {
		return results, nil
	}
	fsys, err := i.host.Downloads(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range i.tool.OutputNames() {
		results[name] = i.fetchOne(fsys, name, i.tool.Outputs[name])
	}
	return results, nil
}

func (i *Invocation) fetchOne(fsys FileSystem, name string, out model.Output) Result {
	loc := model.Locator{
		Node:         i.node.Key(),
		SubDirectory: i.dir,
		FileName:     out.Path,
		Nature:       out.Nature(),
	}
	if !out.Binary {
		loc.Charset = model.CharsetUTF8
	}
	p := loc.Path()

	var res Result
	err := i.locks.Do(i.node.Host, func() error {
		if _, err := fsys.Stat(p); err != nil {
			return err
		}
		if !i.node.RetrieveData {
			res = Result{Kind: ResultRemote, Locator: loc}
			return nil
		}
		r, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
		}()
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		res = Result{Kind: ResultInline, Data: data, Locator: loc}
		return nil
	})
	if err != nil {
		return Result{
			Kind:    ResultError,
			Locator: loc,
			Err:     &model.MissingOutputError{Output: name, Path: p, Err: err},
		}
	}
	return res
}
