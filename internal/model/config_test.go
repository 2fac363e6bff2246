package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  verbose: true
state:
  dir: /var/lib/exttool
  backend: sqlite
  persist:
    duration: PT5M
pool:
  poll_interval: 250ms
nodes:
  - name: worker1
    host: worker1.example.org
    directory: /scratch/exttool
    link_command: "ln -s %%PATH_TO_ORIGINAL%% %%TARGET_NAME%%"
    retrieve_data: true
    user: alice
    runtime_environments: [python-3.10.2, samtools-1.9-rc1]
  - name: here
    local: true
    directory: /tmp/exttool/
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, 4, cfg.Service.Parallel)

	require.Equal(t, model.BackendSQLite, cfg.State.Backend)
	require.NotNil(t, cfg.State.Persist)
	every, err := cfg.State.Persist.Interval()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, every)

	require.Equal(t, 10*time.Second, cfg.Pool.ConnectTimeoutDuration())
	require.Equal(t, 250*time.Millisecond, cfg.Pool.PollIntervalDuration())

	require.Len(t, cfg.Nodes, 2)
	w1, ok := cfg.NodeByName("worker1")
	require.True(t, ok)
	node := w1.Node()
	require.Equal(t, "worker1.example.org", node.Host)
	require.Equal(t, 22, node.Port)
	require.Equal(t, "/scratch/exttool/", node.Directory)
	require.True(t, node.RetrieveData)
	require.Equal(t, "alice", w1.User)
	require.Equal(t, []model.RuntimeEnvironment{
		model.ParseRuntimeEnvironment("python-3.10.2"),
		model.ParseRuntimeEnvironment("samtools-1.9-rc1"),
	}, w1.RuntimeEnvironments())

	here, ok := cfg.NodeByName("here")
	require.True(t, ok)
	require.Equal(t, model.LocalHost, here.Node().Host)

	_, ok = cfg.NodeByName("nope")
	require.False(t, ok)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		yml := `
version: 0
state:
  backend: mysql
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
		require.ErrorContains(t, err, "state.backend")
	})

	t.Run("node without a name", func(t *testing.T) {
		yml := `
version: 0
nodes:
  - host: example.org
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
		require.ErrorContains(t, err, "name")
	})

	t.Run("persist duration", func(t *testing.T) {
		yml := `
version: 0
state:
  persist:
    duration: 5m
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
		require.ErrorIs(t, err, model.ErrISOFormat)
	})
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
		path     string
		code     string
		message  string
	}{
		{
			scenario: "unknown field",
			yml:      "version: 0\nservice:\n  colour: red\n",
			path:     "service.colour",
			code:     "unknown_field",
			message:  "colour",
		},
		{
			scenario: "backend",
			yml:      "version: 0\nstate:\n  backend: redis\n",
			path:     "state.backend",
			code:     "invalid_backend",
			message:  "file, sqlite",
		},
		{
			scenario: "duration",
			yml:      "version: 0\npool:\n  poll_interval: soon\n",
			path:     "pool.poll_interval",
			code:     "invalid_duration",
			message:  "poll_interval",
		},
		{
			scenario: "port",
			yml:      "version: 0\nnodes:\n  - name: a\n  - name: b\n    port: 70000\n",
			path:     "nodes.1.port",
			code:     "invalid_port",
			message:  "nodes[1]",
		},
		{
			scenario: "empty node name",
			yml:      "version: 0\nnodes:\n  - name: \"\"\n",
			path:     "nodes.0.name",
			code:     "invalid_node_name",
			message:  "nodes[0]",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)

			var found *model.CueErrorDetail
			for i, d := range details {
				if d.Path == tc.path {
					found = &details[i]
					break
				}
			}
			require.NotNil(t, found, "details: %+v", details)
			require.Equal(t, tc.code, found.Code)
			require.Contains(t, found.Message, tc.message)
			require.Equal(t, tc.path, found.Attr("detail").Value.Group()[1].Value.String())
		})
	}

	require.Nil(t, model.CueErrDetails(nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.Equal(t, model.BackendFile, cfg.State.Backend)
	require.Equal(t, 10*time.Second, cfg.Pool.ConnectTimeoutDuration())
	require.Equal(t, time.Second, cfg.Pool.PollIntervalDuration())
	dir, err := cfg.StateDir()
	require.NoError(t, err)
	require.NotEmpty(t, dir)
}
