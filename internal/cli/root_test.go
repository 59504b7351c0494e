package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/network"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)
	assert.Contains(t, cmd.Long, "Crisis events")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"enqueue", "sync", "resume", "delta", "storage", "cleanup", "conflicts", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	userFlag := cmd.PersistentFlags().Lookup("user")
	require.NotNil(t, userFlag)
	assert.Equal(t, "u", userFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestEnqueueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	enqueueCmd, _, err := cmd.Find([]string{"enqueue"})
	require.NoError(t, err)

	fileFlag := enqueueCmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	require.NotNil(t, enqueueCmd.Flags().Lookup("priority"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"version", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

// =====================================================
// Command Tests
// =====================================================

// cliEnv is a data directory and a remote shared by several invocations.
type cliEnv struct {
	configPath string
	server     *remote.MemoryServer
	monitor    *network.StaticMonitor
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "syncctl.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\ndevice_id: cli-device\nlog_level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return &cliEnv{
		configPath: path,
		server:     remote.NewMemoryServer(),
		monitor: network.NewStaticMonitor(network.Status{
			IsOnline: true, ConnectionType: network.ConnectionWiFi, Quality: network.QualityExcellent,
		}),
	}
}

// run executes syncctl with args and returns its stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	opts := &RootOptions{AppOptions: []app.Option{app.WithRemote(e.server), app.WithMonitor(e.monitor)}}
	cmd := NewRootCommandWithOptions(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

// TestEnqueueAndSync verifies queued writes survive between invocations
// and are uploaded by a later sync.
func TestEnqueueAndSync(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("-u", "user-1", "--format", "json", "enqueue", "mood", `{"mood_score": 4, "notes": "tired"}`)
	require.NoError(t, err)
	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	item := resp.Data.(map[string]interface{})
	assert.Equal(t, "mood_entry", item["item_type"])

	_, err = env.run("-u", "user-1", "enqueue", "crisis", `{"severity": "high", "description": "panic"}`)
	require.NoError(t, err)

	out, err = env.run("-u", "user-1", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2 synced")

	records := env.server.Records("user-1")
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NotContains(t, fmt.Sprint(r.Data), "tired")
		assert.NotContains(t, fmt.Sprint(r.Data), "panic")
		assert.NotEmpty(t, r.Encrypted)
	}
}

// TestEnqueue_fromFile verifies the payload file and the priority flag.
func TestEnqueue_fromFile(t *testing.T) {
	env := newCLIEnv(t)
	payload := filepath.Join(t.TempDir(), "journal.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"title": "day", "body": "long walk"}`), 0600))

	out, err := env.run("-u", "user-1", "--format", "json", "enqueue", "journal", "-f", payload, "-p", "high")
	require.NoError(t, err)
	item := decode(t, out).Data.(map[string]interface{})
	assert.Equal(t, "journal_entry", item["item_type"])
	assert.EqualValues(t, 2, item["priority"])
}

// TestEnqueue_usageErrors verifies bad input exits with ExitCommandError
// before the engine is opened.
func TestEnqueue_usageErrors(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown type", []string{"-u", "user-1", "enqueue", "diary", `{}`}},
		{"invalid json", []string{"-u", "user-1", "enqueue", "mood", `{mood`}},
		{"missing payload", []string{"-u", "user-1", "enqueue", "mood"}},
		{"unknown priority", []string{"-u", "user-1", "enqueue", "mood", `{}`, "-p", "urgent"}},
		{"missing user", []string{"enqueue", "mood", `{"mood_score": 1}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [")
		})
	}
}

// TestSync_offline verifies an offline device reports the engine code and
// keeps the items queued.
func TestSync_offline(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("-u", "user-1", "enqueue", "mood", `{"mood_score": 7}`)
	require.NoError(t, err)

	env.monitor.Set(network.Offline)
	out, err := env.run("-u", "user-1", "--format", "json", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "NETWORK_OFFLINE", resp.Error.Code)

	out, err = env.run("-u", "user-1", "storage")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=1")
}

// TestResume_nothingToResume verifies resume fails without an interrupted
// session.
func TestResume_nothingToResume(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("-u", "user-1", "resume")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

// TestDelta verifies a delta pull and the --since validation.
func TestDelta(t *testing.T) {
	env := newCLIEnv(t)
	env.server.Put(&remote.RemoteRecord{
		ID:       "srv-1",
		UserID:   "user-1",
		DeviceID: "phone",
		ItemType: "mood_entry",
		Data:     map[string]interface{}{"mood_score": 3},
	})

	out, err := env.run("-u", "user-1", "--format", "json", "delta")
	require.NoError(t, err)
	data := decode(t, out).Data.(map[string]interface{})
	assert.Len(t, data["changed_items"], 1)
	assert.Equal(t, true, data["full_sync"])

	out, err = env.run("-u", "user-1", "delta")
	require.NoError(t, err)
	assert.Contains(t, out, "0 changed")

	_, err = env.run("-u", "user-1", "delta", "--since", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// TestCleanupAndConflicts verifies the maintenance commands on an empty
// store.
func TestCleanupAndConflicts(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("-u", "user-1", "cleanup", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 items")

	out, err = env.run("-u", "user-1", "--format", "json", "conflicts", "-n", "5")
	require.NoError(t, err)
	assert.Equal(t, "ok", decode(t, out).Status)
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "syncctl "+Version)
}
