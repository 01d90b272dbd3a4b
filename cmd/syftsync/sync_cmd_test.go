package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/workspace"
)

type cliEnv struct {
	local, remote, state, configPath string
}

func newCLIEnv(t *testing.T, backend string) cliEnv {
	t.Helper()
	tmp := t.TempDir()
	env := cliEnv{
		local:      filepath.Join(tmp, "local"),
		remote:     filepath.Join(tmp, "remote"),
		state:      filepath.Join(tmp, "state"),
		configPath: filepath.Join(tmp, "config.json"),
	}
	require.NoError(t, os.Mkdir(env.local, 0o755))
	require.NoError(t, os.Mkdir(env.remote, 0o755))

	v := viper.New()
	config.SetDefaults(v)
	cfg := config.FromViper(v)
	cfg.LocalDir = env.local
	cfg.RemoteDir = env.remote
	cfg.StateDir = env.state
	cfg.StoreBackend = backend
	cfg.MinFileAge = 0
	cfg.LogLevel = "warn"
	require.NoError(t, cfg.Save(env.configPath))
	return env
}

func (e cliEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	root := &cobra.Command{Use: "syftsync", SilenceUsage: true}
	addConfigFlags(root)
	root.AddCommand(newSyncCmd(), newStatusCmd())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--config", e.configPath))
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestSyncCommand(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			env := newCLIEnv(t, backend)
			require.NoError(t, os.MkdirAll(filepath.Join(env.local, "docs"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(env.local, "docs", "a.txt"), []byte("hello"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(env.remote, "b.txt"), []byte("world"), 0o644))

			out := env.run(t, "sync")
			assert.Contains(t, out, "succeeded:")
			// state and ids survive the process, the lock does not
			env.run(t, "sync")
			env.run(t, "sync")

			data, err := os.ReadFile(filepath.Join(env.remote, "docs", "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))
			data, err = os.ReadFile(filepath.Join(env.local, "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "world", string(data))

			var status statusReport
			require.NoError(t, json.Unmarshal([]byte(env.run(t, "status", "-o", "json")), &status))
			assert.Equal(t, 3, status.Synced)
			assert.Zero(t, status.Pending)
			assert.NotZero(t, status.LastID)
			if backend == "sqlite" {
				assert.Contains(t, status.Saved, "synced")
			}

			assert.Contains(t, env.run(t, "status"), "synced nodes:")
		})
	}
}

func TestSyncCommand_WorkspaceLocked(t *testing.T) {
	env := newCLIEnv(t, "sqlite")

	ws, err := workspace.NewWorkspace(env.state)
	require.NoError(t, err)
	require.NoError(t, ws.Lock())
	defer ws.Unlock()

	root := &cobra.Command{Use: "syftsync", SilenceUsage: true, SilenceErrors: true}
	addConfigFlags(root)
	root.AddCommand(newSyncCmd())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"sync", "--config", env.configPath})

	assert.ErrorIs(t, root.Execute(), workspace.ErrWorkspaceLocked)
}

func TestStatusCommand_NoState(t *testing.T) {
	env := newCLIEnv(t, "sqlite")

	root := &cobra.Command{Use: "syftsync", SilenceUsage: true, SilenceErrors: true}
	addConfigFlags(root)
	root.AddCommand(newStatusCmd())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"status", "--config", env.configPath})

	assert.ErrorIs(t, root.Execute(), errNoState)
}
