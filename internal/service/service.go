package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/CZERTAINLY/exttool/internal/credentials"
	"github.com/CZERTAINLY/exttool/internal/hostlock"
	"github.com/CZERTAINLY/exttool/internal/invoke"
	"github.com/CZERTAINLY/exttool/internal/log"
	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/parallel"
	"github.com/CZERTAINLY/exttool/internal/reference"
	"github.com/CZERTAINLY/exttool/internal/registry"
	"github.com/CZERTAINLY/exttool/internal/registry/store"
	"github.com/CZERTAINLY/exttool/internal/sshpool"
)

// Job is one tool invocation. Inputs map input names to data references.
type Job struct {
	RunID  string
	Node   string
	Tool   model.Tool
	Inputs map[string]reference.Handle
	Stdin  reference.Handle
}

type Option func(*Service)

// WithCredentials overrides the credentials of a configured node.
func WithCredentials(node string, creds model.Credentials) Option {
	return func(s *Service) {
		s.creds[node] = creds
	}
}

// WithPrompt installs an interactive prompt for missing secrets.
func WithPrompt(fn credentials.PromptFunc) Option {
	return func(s *Service) {
		s.prompt = fn
	}
}

// WithLocalFs replaces the file system of local nodes.
func WithLocalFs(fs afero.Fs) Option {
	return func(s *Service) {
		s.localFs = fs
	}
}

type Service struct {
	cfg       model.Config
	pool      *sshpool.Pool
	locks     *hostlock.Locks
	refs      *reference.Store
	runs      *registry.Registry
	journal   *store.Store
	scheduler gocron.Scheduler
	prompt    credentials.PromptFunc
	localFs   afero.Fs

	mx    sync.Mutex
	creds map[string]model.Credentials
}

func New(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	s := &Service{
		cfg:   cfg,
		locks: hostlock.New(),
		creds: make(map[string]model.Credentials),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = sshpool.New(
		sshpool.WithConnectTimeout(cfg.Pool.ConnectTimeoutDuration()),
		sshpool.WithHostKeys(s.hostKeys),
	)
	s.refs = reference.New(reference.WithLocatorOpener(s))

	backend, err := s.backend(ctx)
	if err != nil {
		return nil, err
	}
	s.runs = registry.New(backend)

	if cfg.State.Persist != nil {
		s.scheduler, err = newScheduler(ctx, *cfg.State.Persist, func() {
			if err := s.Persist(ctx); err != nil {
				slog.ErrorContext(ctx, "periodic persist failed", "error", err)
			}
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("state.persist: %w", err), s.closeJournal())
		}
	}
	return s, nil
}

func (s *Service) backend(ctx context.Context) (registry.Backend, error) {
	dir, err := s.cfg.StateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	switch s.cfg.State.Backend {
	case "", model.BackendFile:
		return registry.NewFileBackend(filepath.Join(dir, model.RecoveryFileName)), nil
	case model.BackendSQLite:
		st, err := store.Open(ctx, filepath.Join(dir, model.JournalFileName))
		if err != nil {
			return nil, err
		}
		s.journal = st
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", s.cfg.State.Backend)
	}
}

func (s *Service) References() *reference.Store {
	return s.refs
}

func (s *Service) Registry() *registry.Registry {
	return s.runs
}

// Host returns the invocation host of a configured node.
func (s *Service) Host(name string) (invoke.Host, error) {
	nc, ok := s.cfg.NodeByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownNode, name)
	}
	return s.host(nc), nil
}

func (s *Service) host(nc model.NodeConfig) invoke.Host {
	if nc.Local {
		return invoke.NewLocalHost(nc.Node(), s.localFs)
	}
	return invoke.NewRemoteHost(s.pool, nc.Node(), s.credentials(nc))
}

// hostOf finds the configured node a locator belongs to.
func (s *Service) hostOf(key model.NodeKey) (invoke.Host, error) {
	nc, ok := s.nodeByKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownNode, key)
	}
	return s.host(nc), nil
}

func (s *Service) nodeByKey(key model.NodeKey) (model.NodeConfig, bool) {
	for _, nc := range s.cfg.Nodes {
		if nc.Node().Key() == key {
			return nc, true
		}
	}
	return model.NodeConfig{}, false
}

func (s *Service) credentials(nc model.NodeConfig) model.Credentials {
	s.mx.Lock()
	defer s.mx.Unlock()
	if c, ok := s.creds[nc.Name]; ok {
		return c
	}
	var opts []credentials.Option
	if s.prompt != nil {
		opts = append(opts, credentials.WithPrompt(s.prompt))
	}
	c := credentials.New(nc, opts...)
	s.creds[nc.Name] = c
	return c
}

// hostKeys verifies against known_hosts when the node configures one,
// otherwise every host key is accepted.
func (s *Service) hostKeys(node model.Node) (ssh.HostKeyCallback, error) {
	nc, ok := s.nodeByKey(node.Key())
	if !ok || nc.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return sshpool.KnownHosts(nc.KnownHosts)
}

// Run drives one invocation from the creation of its working directory to
// its results. The directory is remembered in the run before any data is
// staged, a failed job leaves it for DeleteRun.
func (s *Service) Run(ctx context.Context, job Job) (invoke.Results, error) {
	host, err := s.Host(job.Node)
	if err != nil {
		return nil, err
	}
	if nc, ok := s.cfg.NodeByName(job.Node); ok {
		if err := job.Tool.SupportedBy(nc.RuntimeEnvironments()); err != nil {
			return nil, fmt.Errorf("node %s: %w", job.Node, err)
		}
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", job.RunID), slog.String("node", job.Node))

	inv, err := invoke.New(ctx, job.Tool, host, invoke.Options{
		Locks:        s.locks,
		References:   s.refs,
		Runs:         s.runs,
		PollInterval: s.cfg.Pool.PollIntervalDuration(),
	})
	if err != nil {
		return nil, err
	}
	if err := inv.RememberRun(ctx, job.RunID); err != nil {
		if cerr := inv.Cleanup(ctx); cerr != nil {
			slog.WarnContext(ctx, "deleting working directory failed", "dir", inv.Dir().String(), "error", cerr)
		}
		return nil, err
	}

	names := make([]string, 0, len(job.Inputs))
	for name := range job.Inputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := inv.SetInput(ctx, name, job.Inputs[name]); err != nil {
			return nil, err
		}
	}
	if job.Stdin != "" {
		if err := inv.SetStdin(ctx, job.Stdin); err != nil {
			return nil, err
		}
	}
	return inv.Submit(ctx)
}

// RunAll runs jobs concurrently, at most service.parallel at once.
func (s *Service) RunAll(ctx context.Context, jobs []Job) []parallel.Outcome[invoke.Results] {
	return parallel.Run(ctx, s.cfg.Service.Parallel, jobs, s.Run)
}

// DeleteRun sweeps all working directories of a run and persists the
// registry.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))
	var errs *multierror.Error
	if err := s.runs.DeleteRun(ctx, runID, s); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.Persist(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Delete removes a working directory from its node.
func (s *Service) Delete(ctx context.Context, dir model.Locator) error {
	host, err := s.hostOf(dir.Node)
	if err != nil {
		return err
	}
	return invoke.DeleteDir(ctx, host, s.locks, dir)
}

// OpenLocator reads a file left on a node. The content is read whole under
// the host lock, so the returned reader does not hold the download channel.
func (s *Service) OpenLocator(ctx context.Context, loc model.Locator) (io.ReadCloser, error) {
	host, err := s.hostOf(loc.Node)
	if err != nil {
		return nil, err
	}
	fsys, err := host.Downloads(ctx)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.locks.Do(loc.Node.Host, func() error {
		r, err := fsys.Open(loc.Path())
		if err != nil {
			return &model.ProtocolError{Op: "get", Path: loc.Path(), Err: err}
		}
		defer func() {
			_ = r.Close()
		}()
		data, err = io.ReadAll(r)
		if err != nil {
			return &model.ProtocolError{Op: "get", Path: loc.Path(), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Ping checks a node can be logged in and its directory exists.
func (s *Service) Ping(ctx context.Context, name string) error {
	nc, ok := s.cfg.NodeByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownNode, name)
	}
	node := nc.Node()
	if !nc.Local {
		return s.pool.Ping(ctx, node, s.credentials(nc))
	}
	fsys, err := s.host(nc).Uploads(ctx)
	if err != nil {
		return err
	}
	if _, err := fsys.Stat(node.Directory); err != nil {
		return &model.ProtocolError{Op: "cd", Path: node.Directory, Err: err}
	}
	return nil
}

func (s *Service) Persist(ctx context.Context) error {
	return s.runs.Persist(ctx)
}

func (s *Service) Load(ctx context.Context) error {
	return s.runs.Load(ctx)
}

// Start starts the periodic persistence, if configured.
func (s *Service) Start(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	slog.DebugContext(ctx, "starting persist scheduler")
	s.scheduler.Start()
}

// Close stops the scheduler, persists the registry and disconnects from
// all nodes.
func (s *Service) Close(ctx context.Context) error {
	var errs *multierror.Error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}
	if err := s.Persist(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.pool.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.closeJournal(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (s *Service) closeJournal() error {
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "" && cfg.Duration != "":
		return nil, errors.New("cron and duration are mutually exclusive")
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, model.ErrEmptySchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
