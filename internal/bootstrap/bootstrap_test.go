package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	exit    chan ExitStatus
	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan ExitStatus, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (ExitStatus, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.exit <- ExitStatus{Code: -1, Signaled: true, Signal: sig.String(), Description: "signal: " + sig.String()}
	return nil
}

type fakeSpawner struct {
	calls []Command
	procs []*fakeProcess
	err   error
}

func (s *fakeSpawner) Spawn(_ context.Context, cmd Command) (Process, error) {
	s.calls = append(s.calls, cmd)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000 + len(s.calls))
	s.procs = append(s.procs, p)
	return p, nil
}

func testEnv() RuntimeEnv {
	return RuntimeEnv{
		ModelFolder:    "/root/wan_models",
		Config:         "/root/app/configs/self_forcing_server_14b.yaml",
		VisibleDevices: "0",
		Compile:        true,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	appRoot := filepath.Join(root, "app")
	target := filepath.Join(root, "checkpoints")
	require.NoError(t, os.MkdirAll(appRoot, 0o755))
	require.NoError(t, os.MkdirAll(target, 0o755))
	return Config{
		AppRoot: appRoot,
		Env:     testEnv(),
		Alias:   Alias{Link: "checkpoints", Target: target},
	}
}

func TestRunSpawnsServerWithoutWaiting(t *testing.T) {
	cfg := testConfig(t)
	spawner := &fakeSpawner{}
	b := New(cfg, spawner)
	b.environ = func() []string { return []string{"PATH=/usr/bin", "CUDA_VISIBLE_DEVICES=3"} }

	proc, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, spawner.calls, 1)

	call := spawner.calls[0]
	assert.Equal(t, []string{"uvicorn", "release_server:app", "--host", "0.0.0.0", "--port", "8000", "--log-level", "info"}, call.Argv)
	assert.Equal(t, cfg.AppRoot, call.Dir)
	assert.ElementsMatch(t, []string{
		"PATH=/usr/bin",
		"CUDA_VISIBLE_DEVICES=0",
		"CONFIG=/root/app/configs/self_forcing_server_14b.yaml",
		"DO_COMPILE=true",
		"MODEL_FOLDER=/root/wan_models",
	}, call.Env)

	// the child is still running
	assert.Equal(t, 1001, proc.Pid)
	_, exited := proc.ExitStatus()
	assert.False(t, exited)

	link, err := os.Readlink(filepath.Join(cfg.AppRoot, "checkpoints"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Alias.Target, link)

	spawner.procs[0].exit <- ExitStatus{Code: 1, Description: "exit status 1"}
	<-proc.Done()
	status, exited := proc.ExitStatus()
	assert.True(t, exited)
	assert.Equal(t, 1, status.Code)
	assert.False(t, status.Success())
}

func TestRunDoesNotMutateOwnEnvironment(t *testing.T) {
	t.Setenv("MODEL_FOLDER", "/elsewhere")
	cfg := testConfig(t)
	_, err := New(cfg, &fakeSpawner{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", os.Getenv("MODEL_FOLDER"))
}

func TestRunTwiceKeepsExistingAlias(t *testing.T) {
	cfg := testConfig(t)
	spawner := &fakeSpawner{}

	_, err := New(cfg, spawner).Run(context.Background())
	require.NoError(t, err)

	// a reused instance whose alias was replaced by a real directory
	link := filepath.Join(cfg.AppRoot, "checkpoints")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Mkdir(link, 0o755))

	_, err = New(cfg, spawner).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, spawner.calls, 2)

	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunFailsFastOnMissingAliasTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alias.Target = filepath.Join(t.TempDir(), "missing")
	spawner := &fakeSpawner{}

	_, err := New(cfg, spawner).Run(context.Background())
	require.ErrorIs(t, err, ErrAliasTarget)
	assert.Empty(t, spawner.calls)

	_, statErr := os.Lstat(filepath.Join(cfg.AppRoot, "checkpoints"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRejectsIncompleteEnv(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env.Config = ""
	spawner := &fakeSpawner{}

	_, err := New(cfg, spawner).Run(context.Background())
	require.ErrorIs(t, err, ErrIncompleteEnv)
	assert.Contains(t, err.Error(), "CONFIG")
	assert.Empty(t, spawner.calls)
}

func TestRunPropagatesSpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	cause := errors.New("executable file not found in $PATH")
	_, err := New(cfg, &fakeSpawner{err: cause}).Run(context.Background())
	require.ErrorIs(t, err, ErrSpawn)
	require.ErrorIs(t, err, cause)
}

func TestRunMissingAppRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppRoot = filepath.Join(t.TempDir(), "nope")
	spawner := &fakeSpawner{}
	_, err := New(cfg, spawner).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, spawner.calls)
}

func TestRuntimeEnvVars(t *testing.T) {
	env := testEnv()
	env.Compile = false
	env.Extra = map[string]string{"DO_COMPILE": "true", "HF_HOME": "/root/.cache"}
	assert.Equal(t, []string{
		"CONFIG=/root/app/configs/self_forcing_server_14b.yaml",
		"CUDA_VISIBLE_DEVICES=0",
		"DO_COMPILE=false",
		"HF_HOME=/root/.cache",
		"MODEL_FOLDER=/root/wan_models",
	}, env.Vars())

	env.Extra = map[string]string{"A=B": "x"}
	require.ErrorIs(t, env.Validate(), ErrIncompleteEnv)
}

func TestManagedProcessStop(t *testing.T) {
	p := newFakeProcess(7)
	m := manage(p, []string{"server"})

	require.NoError(t, m.Stop(context.Background(), time.Second))
	status, ok := m.ExitStatus()
	require.True(t, ok)
	assert.True(t, status.Signaled)
	require.Len(t, p.signals, 1)

	// already stopped
	require.NoError(t, m.Stop(context.Background(), time.Second))
	assert.Len(t, p.signals, 1)
}

func TestExecSpawnerExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	proc, err := ExecSpawner{}.Spawn(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", `test "$MARKER" = yes && echo ok > marker && exit 3`},
		Dir:  dir,
		Env:  []string{"MARKER=yes"},
	})
	require.NoError(t, err)

	m := manage(proc, []string{"sh"})
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	status, ok := m.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Signaled)
	assert.NoError(t, m.Err())
	assert.FileExists(t, filepath.Join(dir, "marker"))
}

func TestExecSpawnerStopSignals(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs POSIX signals")
	}
	proc, err := ExecSpawner{}.Spawn(context.Background(), Command{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)

	m := manage(proc, []string{"sleep", "30"})
	require.NoError(t, m.Stop(context.Background(), 5*time.Second))
	status, ok := m.ExitStatus()
	require.True(t, ok)
	assert.True(t, status.Signaled)
	assert.Equal(t, "terminated", status.Signal)
}

func TestWaitReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	proc := manage(newFakeProcess(1), nil)
	require.NoError(t, WaitReady(context.Background(), proc, ln.Addr().String(), 5*time.Second))
}

func TestWaitReadyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = WaitReady(context.Background(), nil, addr, 1200*time.Millisecond)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestWaitReadyEarlyExit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newFakeProcess(1)
	m := manage(p, nil)
	p.exit <- ExitStatus{Code: 2, Description: "exit status 2"}
	<-m.Done()

	err = WaitReady(context.Background(), m, addr, 10*time.Second)
	require.ErrorIs(t, err, ErrExited)
	assert.Contains(t, err.Error(), "exit status 2")
}
