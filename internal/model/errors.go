package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownInput       = errors.New("unknown input")
	ErrNoInput            = errors.New("no input")
	ErrNotSubmitted       = errors.New("job not submitted")
	ErrAlreadySubmitted   = errors.New("job already submitted")
	ErrUnknownReference   = errors.New("unknown reference")
	ErrInvalidRunID       = errors.New("invalid run id")
	ErrUnknownNode        = errors.New("unknown node")
	ErrUnsupportedRuntime = errors.New("runtime environment not available")
)

// ConnectionError is an authentication or transport failure. The pool never
// retries, it is up to a caller to start the invocation again.
type ConnectionError struct {
	Node string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Node, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a failure of a file transfer or a remote file system
// operation.
type ProtocolError struct {
	Op   string
	Path string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// InvalidExitCodeError is returned when a job finished with a code the tool
// does not declare as valid.
type InvalidExitCodeError struct {
	Code    int
	Command string
	Stderr  string
}

func (e *InvalidExitCodeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid exit code %d of %q", e.Code, e.Command)
	if e.Stderr != "" {
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(e.Stderr))
	}
	return sb.String()
}

// MissingOutputError is a per output placeholder, it does not fail a job.
type MissingOutputError struct {
	Output string
	Path   string
	Err    error
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("output %s (%s) is missing: %v", e.Output, e.Path, e.Err)
}

func (e *MissingOutputError) Unwrap() error {
	return e.Err
}

// InterruptedWaitError is returned when waiting on a job was canceled.
// The remote command is left running.
type InterruptedWaitError struct {
	Err error
}

func (e *InterruptedWaitError) Error() string {
	return fmt.Sprintf("waiting for job interrupted: %v", e.Err)
}

func (e *InterruptedWaitError) Unwrap() error {
	return e.Err
}

// InvocationError wraps any failure which aborted an invocation.
type InvocationError struct {
	Phase   string
	Command string
	Err     error
}

func (e *InvocationError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("invocation %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("invocation %s (command %q): %v", e.Phase, e.Command, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
