package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/exttool/internal/invoke"
	"github.com/CZERTAINLY/exttool/internal/log"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
	"github.com/CZERTAINLY/exttool/internal/service"
)

func newService(ctx context.Context) (*service.Service, error) {
	svc, err := service.New(ctx, config, service.WithPrompt(prompt))
	if err != nil {
		return nil, err
	}
	if err := svc.Load(ctx); err != nil {
		_ = svc.Close(ctx)
		return nil, err
	}
	return svc, nil
}

func prompt(_ context.Context, account string) (string, error) {
	return readSecret(os.Stdin, os.Stderr, account)
}

// readSecret reads without echo from a terminal, or a single line when the
// secret is piped in.
func readSecret(in *os.File, out io.Writer, account string) (string, error) {
	fmt.Fprintf(out, "secret for %s: ", account)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(secret), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func doRun(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	node, _ := cmd.Flags().GetString("node")
	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = uuid.NewString()
	}
	attrs := slog.Group("exttool",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening tool description: %w", err)
	}
	tool, err := model.LoadTool(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, svc.Close(ctx))
	}()

	inputs, err := parseInputs(svc.References(), nodeKeys(config), tool, args[1:])
	if err != nil {
		return err
	}
	results, err := svc.Run(ctx, service.Job{
		RunID:  runID,
		Node:   node,
		Tool:   tool,
		Inputs: inputs,
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "tool finished", "run_id", runID)
	return printResults(cmd.OutOrStdout(), runID, results)
}

// parseInputs registers name=value arguments, @path values are read from
// a file, ssh:// values refer to files left on one of nodes and list inputs
// split their value on commas.
func parseInputs(refs *reference.Store, nodes []model.NodeKey, tool model.Tool, args []string) (map[string]reference.Handle, error) {
	ret := make(map[string]reference.Handle, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("input %q: expected name=value", arg)
		}
		in, ok := tool.Inputs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownInput, name)
		}
		if !in.List {
			h, err := register(refs, nodes, value)
			if err != nil {
				return nil, err
			}
			ret[name] = h
			continue
		}
		var items []reference.Handle
		for _, v := range strings.Split(value, ",") {
			h, err := register(refs, nodes, v)
			if err != nil {
				return nil, err
			}
			items = append(items, h)
		}
		ret[name] = refs.RegisterList(items...)
	}
	return ret, nil
}

func register(refs *reference.Store, nodes []model.NodeKey, value string) (reference.Handle, error) {
	if strings.HasPrefix(value, "ssh://") {
		loc, err := model.ParseFileLocator(value, nodes)
		if err != nil {
			return "", err
		}
		return refs.RegisterLocator(loc), nil
	}
	path, ok := strings.CutPrefix(value, "@")
	if !ok {
		return refs.RegisterString(value), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return refs.RegisterBytes(b), nil
}

func nodeKeys(cfg model.Config) []model.NodeKey {
	ret := make([]model.NodeKey, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		ret = append(ret, n.Node().Key())
	}
	return ret
}

type printedResult struct {
	Data    string `yaml:"data,omitempty"`
	Locator string `yaml:"locator,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

func printResults(w io.Writer, runID string, results invoke.Results) error {
	out := make(map[string]printedResult, len(results))
	for name, r := range results {
		var p printedResult
		switch r.Kind {
		case invoke.ResultInline:
			p.Data = string(r.Data)
		case invoke.ResultRemote:
			p.Locator = r.Locator.String()
		case invoke.ResultError:
			p.Error = r.Err.Error()
		}
		out[name] = p
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"run_id": runID, "results": out}); err != nil {
		return fmt.Errorf("printing results: %w", err)
	}
	return enc.Close()
}

func doCleanup(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, svc.Close(ctx))
	}()
	return svc.DeleteRun(ctx, args[0])
}

func doRuns(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, svc.Close(ctx))
	}()
	w := cmd.OutOrStdout()
	reg := svc.Registry()
	for _, runID := range reg.Runs() {
		for _, dir := range reg.Dirs(runID) {
			fmt.Fprintf(w, "%s %s\n", runID, dir)
		}
	}
	return nil
}

func doPing(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, svc.Close(ctx))
	}()
	if err := svc.Ping(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
	return nil
}
