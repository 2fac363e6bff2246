// Package invoke drives one execution of an external tool on a host.
//
// An Invocation walks the states
//
//	CREATED -> STAGING -> RUNNING -> COMPLETED | FAILED -> CLEANED_UP
//
// New creates the working directory, SetInput stages data into it,
// GenerateJob starts the command and WaitFetchResults polls for its end and
// collects the outputs. Cleanup deletes the working directory. The protocol
// is the same for every Host, operations changing the state of a host are
// serialized by its lock from hostlock.Locks.
//
// An Invocation itself is driven by a single goroutine, many invocations may
// run in parallel against the same or different hosts.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/exttool/internal/hostlock"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
)

const (
	DefaultPollInterval = time.Second
	// UniqueIDTag carries a process wide submission counter.
	UniqueIDTag = "uniqueID"

	dirPrefix      = "usecase"
	maxDirAttempts = 16
)

type State int

const (
	StateCreated State = iota
	StateStaging
	StateRunning
	StateCompleted
	StateFailed
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStaging:
		return "STAGING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCleanedUp:
		return "CLEANED_UP"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

var submissions atomic.Uint64

// Options are the collaborators shared by invocations. Locks and References
// are required.
type Options struct {
	Locks        *hostlock.Locks
	References   References
	Runs         Runs
	PollInterval time.Duration
	// NewName generates a candidate working directory name, the
	// "usecase" prefix is added to it.
	NewName func() string
}

type Invocation struct {
	id    string
	tool  model.Tool
	host  Host
	node  model.Node
	locks *hostlock.Locks
	refs  References
	runs  Runs
	poll  time.Duration

	state     State
	dir       string
	tags      map[string]string
	preceding []string
	tempFiles int
	runIDs    []string

	command string
	stdin   io.ReadCloser
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	proc    Process
}

// New creates an invocation of tool on host together with its working
// directory. The name of the directory is probed under the host lock and
// regenerated on a collision.
func New(ctx context.Context, tool model.Tool, host Host, opts Options) (*Invocation, error) {
	if opts.Locks == nil {
		opts.Locks = hostlock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.NewName == nil {
		opts.NewName = uuid.NewString
	}
	inv := &Invocation{
		id:    uuid.NewString(),
		tool:  tool.WithDefaults(),
		host:  host,
		node:  host.Node(),
		locks: opts.Locks,
		refs:  opts.References,
		runs:  opts.Runs,
		poll:  opts.PollInterval,
		state: StateCreated,
		tags:  make(map[string]string),
	}
	if inv.refs == nil {
		return nil, errors.New("invocation needs a reference service")
	}

	fsys, err := host.Uploads(ctx)
	if err != nil {
		return nil, inv.fail("create", err)
	}
	err = inv.locks.Do(inv.node.Host, func() error {
		base := inv.node.Key().Directory
		if _, err := fsys.Stat(base); err != nil {
			return &model.ProtocolError{Op: "cd", Path: base, Err: err}
		}
		for range maxDirAttempts {
			name := dirPrefix + opts.NewName()
			p := path.Join(base, name)
			_, err := fsys.Stat(p)
			switch {
			case err == nil:
				slog.DebugContext(ctx, "working directory exists: retrying", "dir", p)
				continue
			case !isNotExist(err):
				return &model.ProtocolError{Op: "stat", Path: p, Err: err}
			}
			if err := fsys.Mkdir(p); err != nil {
				return &model.ProtocolError{Op: "mkdir", Path: p, Err: err}
			}
			inv.dir = name
			return nil
		}
		return &model.ProtocolError{Op: "mkdir", Path: base, Err: errors.New("no unique working directory name found")}
	})
	if err != nil {
		return nil, inv.fail("create", err)
	}
	inv.state = StateStaging
	slog.DebugContext(ctx, "invocation created", "invocation", inv.id, "dir", inv.Dir().String())
	return inv, nil
}

func (i *Invocation) ID() string {
	return i.id
}

func (i *Invocation) State() State {
	return i.state
}

func (i *Invocation) Tool() model.Tool {
	return i.tool
}

// Dir is the locator of the working directory.
func (i *Invocation) Dir() model.Locator {
	return model.DirLocator(i.node.Key(), i.dir)
}

// Command is the composed command, known after GenerateJob.
func (i *Invocation) Command() string {
	return i.command
}

// Tags returns a copy of the substitution tags collected so far.
func (i *Invocation) Tags() map[string]string {
	ret := make(map[string]string, len(i.tags))
	for k, v := range i.tags {
		ret[k] = v
	}
	return ret
}

// Inputs returns the names of declared inputs.
func (i *Invocation) Inputs() []string {
	names := make([]string, 0, len(i.tool.Inputs))
	for name := range i.tool.Inputs {
		names = append(names, name)
	}
	return names
}

// InputKind describes the data an input expects: list, binary or text.
func (i *Invocation) InputKind(name string) (reference.Kind, bool, error) {
	in, ok := i.tool.Inputs[name]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", model.ErrUnknownInput, name)
	}
	if in.List {
		return reference.KindList, in.Binary, nil
	}
	return reference.KindData, in.Binary, nil
}

// RememberRun registers the working directory as a part of a run, so the
// directory is swept when the run is deleted.
func (i *Invocation) RememberRun(ctx context.Context, runID string) error {
	if i.runs == nil {
		return errors.New("invocation has no run registry")
	}
	if err := i.runs.Remember(ctx, runID, i.Dir()); err != nil {
		return err
	}
	i.runIDs = append(i.runIDs, runID)
	return nil
}

// SetStdin makes the content of h the standard input of the command.
func (i *Invocation) SetStdin(ctx context.Context, h reference.Handle) error {
	if i.state != StateStaging {
		return fmt.Errorf("stdin: %w", model.ErrAlreadySubmitted)
	}
	r, err := i.refs.Open(ctx, h)
	if err != nil {
		return i.fail("stdin", err)
	}
	if i.stdin != nil {
		_ = i.stdin.Close()
	}
	i.stdin = r
	return nil
}

// GenerateJob stages the static inputs, composes the command and starts it.
func (i *Invocation) GenerateJob(ctx context.Context) error {
	if i.state != StateStaging {
		return fmt.Errorf("generate job in state %s: %w", i.state, model.ErrAlreadySubmitted)
	}
	for _, s := range i.tool.StaticInputs {
		value, err := i.setOne(ctx, s.Input, i.staticSource(s))
		if err != nil {
			return i.fail("stage "+s.Tag, err)
		}
		i.tags[s.Tag] = value
	}

	i.tags[UniqueIDTag] = strconv.FormatUint(submissions.Add(1)-1, 10)
	i.command = compose(i.Dir().Dir(), i.preceding, Substitute(i.tool.Command, i.tags))

	var stdin io.Reader
	if i.stdin != nil {
		stdin = i.stdin
	}
	proc, err := i.host.Start(ctx, i.command, stdin, &i.stdout, &i.stderr)
	if err != nil {
		return i.fail("submit", err)
	}
	i.proc = proc
	i.state = StateRunning
	slog.InfoContext(ctx, "job submitted", "invocation", i.id, "node", i.node.URL(), "command", i.command)
	return nil
}

// WaitFetchResults blocks until the command ends and collects the results.
// A canceled ctx fails the invocation with InterruptedWaitError, the
// command keeps running.
func (i *Invocation) WaitFetchResults(ctx context.Context) (Results, error) {
	if i.state != StateRunning {
		return nil, fmt.Errorf("wait in state %s: %w", i.state, model.ErrNotSubmitted)
	}
	for !i.proc.Exited() {
		select {
		case <-ctx.Done():
			return nil, i.fail("wait", &model.InterruptedWaitError{Err: ctx.Err()})
		case <-time.After(i.poll):
		}
	}

	code, err := i.proc.ExitCode()
	i.closeProcess(ctx)
	if err != nil {
		return nil, i.fail("wait", err)
	}
	if !i.tool.ValidCode(code) {
		return nil, i.fail("wait", &model.InvalidExitCodeError{
			Code:    code,
			Command: i.command,
			Stderr:  i.stderr.String(),
		})
	}

	results, err := i.fetch(ctx)
	if err != nil {
		return nil, i.fail("fetch", err)
	}
	i.state = StateCompleted
	slog.InfoContext(ctx, "job finished", "invocation", i.id, "exit_code", code)

	if i.node.RetrieveData {
		if err := i.Cleanup(ctx); err != nil {
			slog.WarnContext(ctx, "deleting working directory failed", "invocation", i.id, "dir", i.Dir().String(), "error", err)
		}
	}
	return results, nil
}

// Submit is GenerateJob followed by WaitFetchResults.
func (i *Invocation) Submit(ctx context.Context) (Results, error) {
	if err := i.GenerateJob(ctx); err != nil {
		return nil, err
	}
	return i.WaitFetchResults(ctx)
}

// Cleanup deletes the working directory and forgets it in every run it
// was remembered by.
func (i *Invocation) Cleanup(ctx context.Context) error {
	if i.state == StateCleanedUp {
		return nil
	}
	// a failed wait leaves the command running
	i.closeProcess(ctx)
	if err := DeleteDir(ctx, i.host, i.locks, i.Dir()); err != nil {
		return &model.InvocationError{Phase: "cleanup", Err: err}
	}
	for _, runID := range i.runIDs {
		i.runs.Forget(ctx, runID, i.Dir())
	}
	i.runIDs = nil
	i.state = StateCleanedUp
	slog.DebugContext(ctx, "invocation cleaned up", "invocation", i.id, "dir", i.Dir().String())
	return nil
}

// DeleteDir removes a working directory from a host under the host lock.
func DeleteDir(ctx context.Context, host Host, locks *hostlock.Locks, dir model.Locator) error {
	fsys, err := host.Uploads(ctx)
	if err != nil {
		return err
	}
	return locks.Do(host.Node().Host, func() error {
		if err := removeAll(fsys, dir.Dir()); err != nil {
			return &model.ProtocolError{Op: "rm", Path: dir.Dir(), Err: err}
		}
		return nil
	})
}

func (i *Invocation) closeProcess(ctx context.Context) {
	if i.proc != nil {
		if err := i.proc.Close(); err != nil {
			slog.DebugContext(ctx, "closing exec channel", "invocation", i.id, "error", err)
		}
		i.proc = nil
	}
	if i.stdin != nil {
		_ = i.stdin.Close()
		i.stdin = nil
	}
}

func (i *Invocation) fail(phase string, err error) error {
	if i.state != StateCreated {
		i.state = StateFailed
	}
	return &model.InvocationError{Phase: phase, Command: i.command, Err: err}
}

func (i *Invocation) staticSource(s model.StaticInput) source {
	if s.URL != "" {
		return handleSource{refs: i.refs, h: i.refs.RegisterURL(s.URL)}
	}
	return bytesSource(s.Content)
}
