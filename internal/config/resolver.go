// Package config loads the vidforge.yaml project descriptor and resolves
// settings with precedence handling.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Resolver handles configuration precedence: CLI flags > environment > vidforge.yaml > defaults.
type Resolver struct {
	config *Config
	root   string
	getenv func(string) string
}

// NewResolver creates a new configuration resolver for the project at root.
func NewResolver(config *Config, root string) *Resolver {
	return &Resolver{
		config: config,
		root:   root,
		getenv: os.Getenv,
	}
}

func (r *Resolver) env(key string) string {
	return strings.TrimSpace(r.getenv(key))
}

// ResolveDocker resolves the container engine binary.
// Precedence: CLI flag > VIDFORGE_DOCKER > build.docker > docker
func (r *Resolver) ResolveDocker(cliDocker string) string {
	if cliDocker != "" {
		return cliDocker
	}
	if v := r.env("VIDFORGE_DOCKER"); v != "" {
		return v
	}
	if r.config.Build.Docker != "" {
		return r.config.Build.Docker
	}
	return "docker"
}

// ResolveLayerRepo resolves the repository holding intermediate layers.
// Precedence: VIDFORGE_LAYER_REPO > build.layerRepo > <app>-layers
func (r *Resolver) ResolveLayerRepo() string {
	if v := r.env("VIDFORGE_LAYER_REPO"); v != "" {
		return v
	}
	if r.config.Build.LayerRepo != "" {
		return r.config.Build.LayerRepo
	}
	return r.config.App + "-layers"
}

// ResolveStateDir resolves the local state directory (cache, manifests,
// staging), relative paths being anchored at the project root.
func (r *Resolver) ResolveStateDir() string {
	dir := r.config.Build.StateDir
	if v := r.env("VIDFORGE_STATE_DIR"); v != "" {
		dir = v
	}
	if dir == "" {
		dir = ".vidforge"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(r.root, dir)
}

// CacheDir returns the layer cache directory.
func (r *Resolver) CacheDir() string {
	return filepath.Join(r.ResolveStateDir(), "cache")
}

// ManifestDir returns the artifact manifest directory.
func (r *Resolver) ManifestDir() string {
	return filepath.Join(r.ResolveStateDir(), "images")
}

// StagingDir returns the host input staging directory.
func (r *Resolver) StagingDir() string {
	return filepath.Join(r.ResolveStateDir(), "stage")
}

// ResolveReadyAddr resolves the address probed for server readiness.
// Precedence: CLI flag > 127.0.0.1:<deployment.port>
func (r *Resolver) ResolveReadyAddr(cliAddr string) string {
	if cliAddr != "" {
		return cliAddr
	}
	port := r.config.Deployment.Port
	if port == 0 {
		port = 8000
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
