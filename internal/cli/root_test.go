package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/config"
	"github.com/blanqspace/centrix/internal/testutil"
)

// cliHarness runs root commands against a temp database with a shared fake clock.
type cliHarness struct {
	t       *testing.T
	db      string
	runtime string
	clk     *testutil.FakeClock
	ids     *testutil.SequenceIDGenerator
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	t.Setenv(config.PathEnvVar, "")
	dir := t.TempDir()
	return &cliHarness{
		t:       t,
		db:      filepath.Join(dir, "ctl.db"),
		runtime: dir,
		clk:     testutil.NewFakeClock(time.Time{}),
		ids:     testutil.NewSequenceIDGenerator("corr"),
	}
}

func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCommand(h.clk, h.ids)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db", h.db, "--runtime", h.runtime}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "centrix %v", args)
	return out
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "centrix", cmd.Use)
	assert.Contains(t, cmd.Long, "control plane")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"}, {"worker"}, {"enqueue"}, {"events", "tail"},
		{"locks", "list"}, {"locks", "acquire"}, {"locks", "release"}, {"locks", "reap"},
		{"approval", "request"}, {"approval", "confirm"}, {"approval", "reject"}, {"approval", "sweep"},
		{"svc", "status"}, {"svc", "touch"}, {"kv", "get"}, {"kv", "set"}, {"status"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "runtime"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue)
	}
}

func TestRequiredFlags(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("locks", "acquire", "feed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, err = h.run("approval", "confirm", "1", "TOKEN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestInvalidFormat(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run("--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestInvalidConfigFile(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run("--config", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
