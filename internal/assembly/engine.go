package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Engine executes layers and owns the resulting image refs.
type Engine interface {
	// Apply runs layer on top of parent (empty for the base layer) with the
	// staged copies and returns the ref of the committed result.
	Apply(ctx context.Context, parent string, layer *Layer, copies []Copy) (string, error)

	// Exists reports whether ref is still present in the engine.
	Exists(ctx context.Context, ref string) (bool, error)

	// Tag publishes ref under tag.
	Tag(ctx context.Context, ref, tag string) error
}

// ErrImageNotFound is returned when the engine has no image for a ref.
var ErrImageNotFound = errors.New("image not found")

// DockerEngine drives the docker CLI: one container per layer, committed
// under <repo>:layer-<key>.
type DockerEngine struct {
	bin    string
	repo   string
	stdout io.Writer
	stderr io.Writer
}

// NewDockerEngine locates the docker binary. Layer refs live in repo.
func NewDockerEngine(bin, repo string, stdout, stderr io.Writer) (*DockerEngine, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "docker"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if repo == "" {
		repo = "vidforge-layers"
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &DockerEngine{bin: path, repo: repo, stdout: stdout, stderr: stderr}, nil
}

// Apply implements Engine.
func (e *DockerEngine) Apply(ctx context.Context, parent string, layer *Layer, copies []Copy) (string, error) {
	logger := klog.FromContext(ctx)
	ref := fmt.Sprintf("%s:layer-%s", e.repo, layer.ShortKey())

	if layer.Base != "" {
		logger.V(1).Info("Pulling base image", "image", layer.Base)
		if err := e.run(ctx, "pull", layer.Base); err != nil {
			return "", fmt.Errorf("pull %s: %w", layer.Base, err)
		}
		parent = layer.Base
	}
	if parent == "" {
		return "", errors.New("layer has no parent image")
	}

	entrypoint, cmd, err := e.imageConfig(ctx, parent)
	if err != nil {
		return "", err
	}
	if layer.ClearEntrypoint {
		entrypoint, cmd = "[]", "[]"
	}

	name := "vidforge-" + layer.ShortKey()
	_ = e.quiet(ctx, "rm", "-f", name)

	args := []string{"create", "--name", name}
	if layer.GPU != "" {
		args = append(args, "--gpus", "all")
	}
	for _, k := range sortedKeys(layer.Env) {
		args = append(args, "-e", k+"="+layer.Env[k])
	}
	script := "true"
	if len(layer.Commands) > 0 {
		script = "set -e\n" + strings.Join(layer.Commands, "\n")
	}
	args = append(args, "--entrypoint", "/bin/sh", parent, "-c", script)

	if err := e.quiet(ctx, args...); err != nil {
		return "", fmt.Errorf("create build container: %w", err)
	}
	defer func() {
		// The build context may already be cancelled.
		_ = e.quiet(context.Background(), "rm", "-f", name)
	}()

	for _, c := range copies {
		src := strings.TrimSuffix(c.From, "/") + "/."
		if err := e.run(ctx, "cp", src, name+":"+c.To); err != nil {
			return "", fmt.Errorf("copy %s into image: %w", c.From, err)
		}
	}

	logger.V(1).Info("Running layer", "step", layer.Name, "commands", len(layer.Commands), "gpu", layer.GPU != "")
	if err := e.run(ctx, "start", "--attach", name); err != nil {
		return "", fmt.Errorf("run layer commands: %w", err)
	}
	if code, err := e.exitCode(ctx, name); err != nil {
		return "", err
	} else if code != 0 {
		return "", fmt.Errorf("layer commands exited with code %d", code)
	}

	commit := []string{"commit"}
	for _, k := range sortedKeys(layer.Env) {
		commit = append(commit, "--change", fmt.Sprintf("ENV %s=%s", k, strconv.Quote(layer.Env[k])))
	}
	commit = append(commit,
		"--change", "ENTRYPOINT "+entrypoint,
		"--change", "CMD "+cmd,
		name, ref,
	)
	if err := e.quiet(ctx, commit...); err != nil {
		return "", fmt.Errorf("commit layer: %w", err)
	}
	return ref, nil
}

// Exists implements Engine.
func (e *DockerEngine) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := e.output(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	if errors.Is(err, ErrImageNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Tag implements Engine.
func (e *DockerEngine) Tag(ctx context.Context, ref, tag string) error {
	return e.quiet(ctx, "tag", ref, tag)
}

// imageConfig returns the JSON encoded entrypoint and cmd of ref, so they
// survive the /bin/sh override used while building.
func (e *DockerEngine) imageConfig(ctx context.Context, ref string) (string, string, error) {
	out, err := e.output(ctx, "image", "inspect", "--format", "{{json .Config.Entrypoint}}\t{{json .Config.Cmd}}", ref)
	if err != nil {
		return "", "", fmt.Errorf("inspect %s: %w", ref, err)
	}
	entrypoint, cmd, _ := strings.Cut(out, "\t")
	return jsonOrEmpty(entrypoint), jsonOrEmpty(cmd), nil
}

func (e *DockerEngine) exitCode(ctx context.Context, container string) (int, error) {
	out, err := e.output(ctx, "inspect", "--format", "{{.State.ExitCode}}", container)
	if err != nil {
		return 0, fmt.Errorf("inspect build container: %w", err)
	}
	code, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse exit code %q: %w", out, err)
	}
	return code, nil
}

func jsonOrEmpty(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return "[]"
	}
	return s
}

// run streams output to the configured writers.
func (e *DockerEngine) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s failed: %w", args[0], err)
	}
	return nil
}

// quiet discards stdout and reports stderr in the error.
func (e *DockerEngine) quiet(ctx context.Context, args ...string) error {
	_, err := e.output(ctx, args...)
	return err
}

func (e *DockerEngine) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "no such object") {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, text)
		}
		return "", fmt.Errorf("docker %s failed: %w: %s", args[0], err, text)
	}
	return text, nil
}
