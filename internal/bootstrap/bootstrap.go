package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// ErrSpawn is returned when the server process could not be started.
var ErrSpawn = errors.New("spawn server")

// ServerCommand is the argv of the model server.
var ServerCommand = []string{
	"uvicorn", "release_server:app",
	"--host", "0.0.0.0",
	"--port", "8000",
	"--log-level", "info",
}

// Config describes one bootstrap.
type Config struct {
	// AppRoot is the application directory and the child's working directory.
	AppRoot string
	Env     RuntimeEnv
	Alias   Alias
	// Command defaults to ServerCommand.
	Command []string

	Stdout io.Writer
	Stderr io.Writer
}

// Bootstrapper runs the bootstrap sequence.
type Bootstrapper struct {
	cfg     Config
	spawner Spawner
	environ func() []string
}

// New returns a Bootstrapper. A nil spawner spawns real processes.
func New(cfg Config, spawner Spawner) *Bootstrapper {
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	if len(cfg.Command) == 0 {
		cfg.Command = ServerCommand
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Bootstrapper{cfg: cfg, spawner: spawner, environ: os.Environ}
}

// Run builds the environment, ensures the alias and spawns the server. It
// returns as soon as the child has started.
func (b *Bootstrapper) Run(ctx context.Context) (*ManagedProcess, error) {
	logger := klog.FromContext(ctx)

	if err := b.cfg.Env.Validate(); err != nil {
		return nil, err
	}
	env := b.cfg.Env.Environ(b.environ())

	root, err := filepath.Abs(b.cfg.AppRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve application root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("application root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("application root %s is not a directory", root)
	}

	created, err := b.cfg.Alias.Ensure(root)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("Created checkpoint alias", "link", b.cfg.Alias.Link, "target", b.cfg.Alias.Target)
	} else {
		logger.V(1).Info("Checkpoint alias already present", "link", b.cfg.Alias.Link)
	}

	proc, err := b.spawner.Spawn(ctx, Command{
		Argv:   b.cfg.Command,
		Dir:    root,
		Env:    env,
		Stdout: b.cfg.Stdout,
		Stderr: b.cfg.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	m := manage(proc, b.cfg.Command)
	logger.Info("Server started", "pid", m.Pid, "dir", root)
	return m, nil
}
