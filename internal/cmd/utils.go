package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dosanma1/vidforge/internal/config"
)

// findProjectRoot finds the project root by looking for vidforge.yaml,
// starting at dir and walking up.
func findProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(configPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("%s not found in current directory or any parent directory", config.FileName)
}

// startDir returns --project, or the working directory.
func startDir() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	return os.Getwd()
}

// loadProject locates and loads the project descriptor.
func loadProject() (*config.Config, string, error) {
	dir, err := startDir()
	if err != nil {
		return nil, "", err
	}
	root, err := findProjectRoot(dir)
	if err != nil {
		return nil, "", fmt.Errorf("not in a vidforge project: %w", err)
	}
	cfg, err := config.Load(filepath.Join(root, config.FileName))
	if err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
