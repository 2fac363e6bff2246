package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a configuration file.
type CueErrorDetail struct {
	Path    string // nodes.0.port
	Code    string // unknown_field | missing_required | invalid_backend | invalid_duration ...
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

type fieldRule struct {
	path    *regexp.Regexp
	code    string
	message func(path string) string
}

// fieldRules explain constraints of known fields, the first match wins.
var fieldRules = []fieldRule{
	{
		path: regexp.MustCompile(`^state\.backend$`),
		code: "invalid_backend",
		message: func(string) string {
			return fmt.Sprintf("Field backend must be one of %s, %s", BackendFile, BackendSQLite)
		},
	},
	{
		path: regexp.MustCompile(`^state\.persist\.(cron|duration)$`),
		code: "invalid_schedule",
		message: func(p string) string {
			return fmt.Sprintf("Field %s must be a non-empty schedule", last(p))
		},
	},
	{
		path: regexp.MustCompile(`^pool\.(connect_timeout|poll_interval)$`),
		code: "invalid_duration",
		message: func(p string) string {
			return fmt.Sprintf("Field %s must be a duration like 10s or 250ms", last(p))
		},
	},
	{
		path: regexp.MustCompile(`^service\.parallel$`),
		code: "invalid_parallel",
		message: func(string) string {
			return "Field parallel must be a positive number"
		},
	},
	{
		path: regexp.MustCompile(`^nodes\.\d+\.name$`),
		code: "invalid_node_name",
		message: func(p string) string {
			return fmt.Sprintf("Node %s needs a non-empty name", nodeRef(p))
		},
	},
	{
		path: regexp.MustCompile(`^nodes\.\d+\.port$`),
		code: "invalid_port",
		message: func(p string) string {
			return fmt.Sprintf("Port of node %s must be between 1 and 65535", nodeRef(p))
		},
	},
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
)

// CueErrDetails turns a LoadConfig validation error into a list of
// details, one per offending field and problem.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	type key struct{ path, code string }
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw := e.Error()
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)
		if _, ok := seen[key{path, code}]; ok {
			continue
		}
		seen[key{path, code}] = struct{}{}
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	if reNotAllowed.MatchString(raw) {
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	}
	for _, r := range fieldRules {
		if r.path.MatchString(path) {
			return r.code, r.message(path)
		}
	}
	if reIncomplete.MatchString(raw) {
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	}
	return "validation_error", raw
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// normalizePath drops the leading #Config definition.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

// nodeRef renders nodes.1.port as nodes[1].
func nodeRef(path string) string {
	parts := strings.SplitN(path, ".", 3)
	if len(parts) < 2 {
		return path
	}
	return parts[0] + "[" + parts[1] + "]"
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
