package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	BackendFile   = "file"
	BackendSQLite = "sqlite"

	RecoveryFileName = "sshInvocations"
	JournalFileName  = "invocations.db"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int          `json:"version"` // fixed 0 for now
	Service Service      `json:"service"`
	State   State        `json:"state"`
	Pool    Pool         `json:"pool"`
	Nodes   []NodeConfig `json:"nodes,omitempty"`
}

type Service struct {
	Verbose  bool   `json:"verbose"`
	Log      string `json:"log"`      // "stderr"|"stdout"|"discard"|path
	Parallel int    `json:"parallel"` // concurrent invocations of a batch
}

// State configures where the run registry survives restarts.
type State struct {
	Dir     string    `json:"dir,omitempty"`
	Backend string    `json:"backend"` // "file" | "sqlite"
	Persist *Schedule `json:"persist,omitempty"`
}

// Schedule is either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type Pool struct {
	ConnectTimeout string `json:"connect_timeout"`
	PollInterval   string `json:"poll_interval"`
}

func (p Pool) ConnectTimeoutDuration() time.Duration {
	return parseDurationOr(p.ConnectTimeout, 10*time.Second)
}

func (p Pool) PollIntervalDuration() time.Duration {
	return parseDurationOr(p.PollInterval, time.Second)
}

// NodeConfig is a named node together with the way to authenticate to it.
type NodeConfig struct {
	Name         string `json:"name"`
	Local        bool   `json:"local"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Directory    string `json:"directory"`
	LinkCommand  string `json:"link_command,omitempty"`
	CopyCommand  string `json:"copy_command,omitempty"`
	RetrieveData bool   `json:"retrieve_data"`
	User         string `json:"user,omitempty"`
	KeyFile      string `json:"key_file,omitempty"`
	KnownHosts   string `json:"known_hosts,omitempty"`
	PasswordEnv  string `json:"password_env,omitempty"`
	Keyring      bool   `json:"keyring"`

	// Runtimes are name-version ids of the environments installed on the node.
	Runtimes []string `json:"runtime_environments,omitempty"`
}

func (n NodeConfig) Node() Node {
	host := n.Host
	if n.Local {
		host = LocalHost
	}
	node := NewNode(host, n.Port, n.Directory)
	node.LinkCommand = n.LinkCommand
	node.CopyCommand = n.CopyCommand
	node.RetrieveData = n.RetrieveData
	return node
}

func (n NodeConfig) RuntimeEnvironments() []RuntimeEnvironment {
	ret := make([]RuntimeEnvironment, 0, len(n.Runtimes))
	for _, id := range n.Runtimes {
		ret = append(ret, ParseRuntimeEnvironment(id))
	}
	return ret
}

// DefaultConfig is used when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Service: Service{Log: LogStderr, Parallel: 4},
		State:   State{Backend: BackendFile},
		Pool:    Pool{ConnectTimeout: "10s", PollInterval: "1s"},
	}
}

// StateDir returns the configured state directory or the per user default.
func (c Config) StateDir() (string, error) {
	if c.State.Dir != "" {
		return c.State.Dir, nil
	}
	d, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving state directory: %w", err)
	}
	return filepath.Join(d, "exttool"), nil
}

func (c Config) NodeByName(name string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if out.State.Persist != nil {
		if _, err := out.State.Persist.Interval(); err != nil {
			return nil, fmt.Errorf("state.persist: %w", err)
		}
	}

	return &out, nil
}

func parseDurationOr(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}
