// Package assembly turns a Build Specification into a layered image through
// a container engine, serving unchanged steps from a content-addressed cache.
package assembly

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dosanma1/vidforge/internal/fetch"
	"github.com/dosanma1/vidforge/internal/imagespec"
)

// depsDir is where lock step inputs are staged inside the image.
const depsDir = "/root/.deps"

// Copy is a host path copied into the image. Staged inputs mirror their image
// layout below From, so To is usually "/".
type Copy struct {
	From string
	To   string
}

// Input is a host-side input of a layer. Its digest is folded into the
// layer's cache key; Stage is only called when the layer actually executes.
type Input interface {
	Digest() (string, error)
	Stage(ctx context.Context, dir string) ([]Copy, error)
}

// Layer is one compiled build step.
type Layer struct {
	Index int
	Name  string
	Kind  imagespec.StepKind

	// Key is the chained content address of this layer.
	Key string

	// Base is the image reference pulled by the base layer.
	Base string

	Commands []string

	// Env is committed into the image config and visible to Commands.
	Env map[string]string

	ClearEntrypoint bool
	GPU             string

	Input Input

	// Sources describes Input for renderers, relative to the project root.
	Sources []Copy

	// Cached is set by Plan when a reusable record exists.
	Cached    bool
	CachedRef string

	step imagespec.Step
}

// ShortKey returns the abbreviated cache key.
func (l *Layer) ShortKey() string {
	return shortKey(l.Key)
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// compile converts specification steps into layers without computing keys.
func compile(spec imagespec.Spec, root string, fetcher ArtifactFetcher) ([]*Layer, error) {
	layers := make([]*Layer, 0, len(spec.Steps))
	for i, step := range spec.Steps {
		l := &Layer{
			Index: i,
			Name:  step.DisplayName(i),
			Kind:  step.Kind,
			GPU:   step.GPU,
			step:  step,
		}

		switch step.Kind {
		case imagespec.KindBase:
			l.Base = step.Base.Reference()
			l.ClearEntrypoint = step.Base.ClearEntrypoint
			l.Commands = pythonCommands(step.Base.Python)
		case imagespec.KindPackages:
			l.Commands = aptCommands(step.Packages)
		case imagespec.KindLock:
			lock := step.Lock
			dir := resolve(root, lock.ProjectDir)
			l.Input = newFileSet(dir, []string{lock.Manifest, lock.LockFile}, depsDir)
			l.Sources = []Copy{
				{From: filepath.Join(lock.ProjectDir, lock.Manifest), To: depsDir + "/"},
				{From: filepath.Join(lock.ProjectDir, lock.LockFile), To: depsDir + "/"},
			}
			l.Commands = lockCommands(lock.Frozen)
		case imagespec.KindPip, imagespec.KindNative:
			l.Commands = []string{pipCommand(step.Pip)}
		case imagespec.KindEnv:
			l.Env = step.Env
		case imagespec.KindDownload:
			d := step.Download
			switch d.Store {
			case imagespec.StoreHub:
				l.Commands = []string{shellJoin(fetch.HubCommand(*d))}
			case imagespec.StoreS3:
				l.Input = &remoteInput{download: *d, fetcher: fetcher}
			}
		case imagespec.KindSource:
			src := step.Source
			l.Input = NewSnapshot(resolve(root, src.LocalDir), src.Ignore, src.RemotePath)
			l.Sources = []Copy{{From: src.LocalDir, To: src.RemotePath}}
		default:
			return nil, fmt.Errorf("step %q: unsupported kind %q", l.Name, step.Kind)
		}

		layers = append(layers, l)
	}
	return layers, nil
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func pythonCommands(version string) []string {
	if version == "" {
		return nil
	}
	py := "python" + version
	return []string{
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends software-properties-common curl ca-certificates",
		"add-apt-repository -y ppa:deadsnakes/ppa",
		"apt-get update",
		fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %[1]s %[1]s-dev %[1]s-venv", py),
		fmt.Sprintf("ln -sf /usr/bin/%s /usr/local/bin/python", py),
		"curl -LsSf https://bootstrap.pypa.io/get-pip.py | python",
		"python -m pip install uv",
		"rm -rf /var/lib/apt/lists/*",
	}
}

func aptCommands(packages []string) []string {
	pkgs := append([]string(nil), packages...)
	return []string{
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + shellJoin(pkgs),
		"rm -rf /var/lib/apt/lists/*",
	}
}

func lockCommands(frozen bool) []string {
	sync := "uv sync --no-install-project --compile-bytecode"
	if frozen {
		sync += " --frozen"
	}
	return []string{
		fmt.Sprintf(`cd %s && UV_PROJECT_ENVIRONMENT="$(python -c 'import sys; print(sys.prefix)')" %s`, depsDir, sync),
	}
}

func pipCommand(p *imagespec.Pip) string {
	args := []string{"python", "-m", "pip", "install"}
	args = append(args, p.Packages...)
	args = append(args, p.ExtraOptions...)
	return shellJoin(args)
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if shellSafe.MatchString(a) {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
	}
	return strings.Join(quoted, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
