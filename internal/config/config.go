package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dosanma1/vidforge/internal/bootstrap"
	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/pkg/xos"
)

// FileName is the project descriptor name.
const FileName = "vidforge.yaml"

// Config represents the vidforge.yaml descriptor.
type Config struct {
	// App names the deployed application.
	App string `yaml:"app"`

	// Image is the Build Specification of the server image.
	Image imagespec.Spec `yaml:"image"`

	// Deployment carries the hosting platform settings.
	Deployment Deployment `yaml:"deployment"`

	// Server configures the bootstrap on a running instance.
	Server Server `yaml:"server"`

	// Build configures local image assembly.
	Build BuildConfig `yaml:"build,omitempty"`
}

// Deployment describes how the platform runs the image. Only StartupTimeout
// is used locally, by serve.
type Deployment struct {
	GPU             string        `yaml:"gpu"`
	Timeout         time.Duration `yaml:"timeout"`
	ScaledownWindow time.Duration `yaml:"scaledownWindow"`
	MaxInputs       int           `yaml:"maxInputs"`
	StartupTimeout  time.Duration `yaml:"startupTimeout"`
	Port            int           `yaml:"port"`
}

// Server holds the bootstrap settings.
type Server struct {
	AppRoot        string            `yaml:"appRoot"`
	ModelFolder    string            `yaml:"modelFolder"`
	ConfigFile     string            `yaml:"configFile"`
	VisibleDevices string            `yaml:"visibleDevices"`
	Compile        *bool             `yaml:"compile,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Alias          AliasConfig       `yaml:"alias"`
	Command        []string          `yaml:"command,omitempty"`
}

// AliasConfig is the checkpoint link created inside AppRoot.
type AliasConfig struct {
	Link   string `yaml:"link"`
	Target string `yaml:"target"`
}

// BuildConfig holds local assembly settings.
type BuildConfig struct {
	Docker    string `yaml:"docker,omitempty"`
	LayerRepo string `yaml:"layerRepo,omitempty"`
	StateDir  string `yaml:"stateDir,omitempty"`
}

// Load reads and parses the descriptor.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a descriptor.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Save writes the config to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := xos.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("app is required")
	}

	if err := c.Image.Validate(); err != nil {
		return fmt.Errorf("image: %w", err)
	}

	d := c.Deployment
	if d.Timeout <= 0 || d.ScaledownWindow <= 0 || d.StartupTimeout <= 0 {
		return fmt.Errorf("deployment timeouts must be positive")
	}
	if d.MaxInputs < 1 {
		return fmt.Errorf("deployment.maxInputs must be at least 1")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("deployment.port %d is out of range", d.Port)
	}

	if c.Server.AppRoot == "" {
		return fmt.Errorf("server.appRoot is required")
	}
	if c.Server.Alias.Link == "" || c.Server.Alias.Target == "" {
		return fmt.Errorf("server.alias needs link and target")
	}
	if err := c.RuntimeEnv().Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if port, ok := commandPort(c.Server.Command); ok && port != d.Port {
		return fmt.Errorf("deployment.port %d does not match --port %d of server.command", d.Port, port)
	}

	return nil
}

// applyDefaults sets default values for missing fields.
func (c *Config) applyDefaults() {
	if len(c.Image.Steps) == 0 {
		tag := c.Image.Tag
		c.Image = imagespec.Default()
		if tag != "" {
			c.Image.Tag = tag
		}
	}
	if c.Image.Tag == "" && c.App != "" {
		c.Image.Tag = c.App + ":latest"
	}

	d := &c.Deployment
	if d.GPU == "" {
		d.GPU = "b200"
	}
	if d.Timeout == 0 {
		d.Timeout = time.Hour
	}
	if d.ScaledownWindow == 0 {
		d.ScaledownWindow = 5 * time.Minute
	}
	if d.MaxInputs == 0 {
		d.MaxInputs = 10
	}
	if d.StartupTimeout == 0 {
		d.StartupTimeout = 10 * time.Minute
	}
	if d.Port == 0 {
		d.Port = 8000
	}

	s := &c.Server
	if s.AppRoot == "" {
		s.AppRoot = "/root/app"
	}
	if s.ModelFolder == "" {
		s.ModelFolder = "/root/wan_models"
	}
	if s.ConfigFile == "" {
		s.ConfigFile = s.AppRoot + "/configs/self_forcing_server_14b.yaml"
	}
	if s.VisibleDevices == "" {
		s.VisibleDevices = "0"
	}
	if s.Compile == nil {
		compile := true
		s.Compile = &compile
	}
	if s.Alias.Link == "" {
		s.Alias.Link = "checkpoints"
	}
	if s.Alias.Target == "" {
		s.Alias.Target = "/root/checkpoints"
	}
	if len(s.Command) == 0 {
		s.Command = append([]string(nil), bootstrap.ServerCommand...)
	}

	if c.Build.StateDir == "" {
		c.Build.StateDir = ".vidforge"
	}
}

// RuntimeEnv returns the server environment record.
func (c *Config) RuntimeEnv() bootstrap.RuntimeEnv {
	s := c.Server
	return bootstrap.RuntimeEnv{
		ModelFolder:    s.ModelFolder,
		Config:         s.ConfigFile,
		VisibleDevices: s.VisibleDevices,
		Compile:        s.Compile != nil && *s.Compile,
		Extra:          s.Env,
	}
}

// Bootstrap returns the bootstrap settings.
func (c *Config) Bootstrap() bootstrap.Config {
	return bootstrap.Config{
		AppRoot: c.Server.AppRoot,
		Env:     c.RuntimeEnv(),
		Alias:   bootstrap.Alias{Link: c.Server.Alias.Link, Target: c.Server.Alias.Target},
		Command: c.Server.Command,
	}
}

// NewDefaultConfig creates a new config with sensible defaults.
func NewDefaultConfig(app string) *Config {
	c := &Config{App: app, Image: imagespec.Spec{Tag: app + ":latest"}}
	c.applyDefaults()
	return c
}

// commandPort returns the value of a --port argument in argv.
func commandPort(argv []string) (int, bool) {
	for i, arg := range argv {
		value, found := strings.CutPrefix(arg, "--port=")
		if !found {
			if arg != "--port" || i+1 >= len(argv) {
				continue
			}
			value = argv[i+1]
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return port, true
	}
	return 0, false
}
