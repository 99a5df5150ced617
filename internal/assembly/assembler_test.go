package assembly

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosanma1/vidforge/internal/imagespec"
)

type fakeEngine struct {
	images   map[string]bool
	applied  []string
	parents  []string
	staged   map[string][]string
	tags     map[string]string
	failStep string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images: make(map[string]bool),
		staged: make(map[string][]string),
		tags:   make(map[string]string),
	}
}

func (e *fakeEngine) Apply(_ context.Context, parent string, l *Layer, copies []Copy) (string, error) {
	if l.Name == e.failStep {
		return "", errors.New("exit status 1")
	}
	for _, c := range copies {
		_ = filepath.WalkDir(c.From, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(c.From, path)
			e.staged[l.Name] = append(e.staged[l.Name], filepath.ToSlash(rel))
			return nil
		})
	}
	ref := "fake:layer-" + l.ShortKey()
	e.images[ref] = true
	e.applied = append(e.applied, l.Name)
	e.parents = append(e.parents, parent)
	return ref, nil
}

func (e *fakeEngine) Exists(_ context.Context, ref string) (bool, error) {
	return e.images[ref], nil
}

func (e *fakeEngine) Tag(_ context.Context, ref, tag string) error {
	e.tags[tag] = ref
	return nil
}

func (e *fakeEngine) reset() {
	e.applied = nil
	e.parents = nil
	e.staged = make(map[string][]string)
}

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"pyproject.toml":                       "[project]\nname = \"realtime\"\n",
		"uv.lock":                              "version = 1\n",
		"release_server.py":                    "app = None\n",
		"configs/self_forcing_server_14b.yaml": "steps: 4\n",
		".git/HEAD":                            "ref: refs/heads/main\n",
		"__pycache__/release_server.cpython-311.pyc": "bytecode",
		"outputs/video.mp4":                          "frames",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newTestAssembler(t *testing.T, root string, engine Engine, noCache bool) (*Assembler, string) {
	t.Helper()
	state := t.TempDir()
	a, err := New(Options{
		Root:        root,
		Engine:      engine,
		Cache:       NewFileCache(filepath.Join(state, "cache")),
		ManifestDir: filepath.Join(state, "images"),
		StagingDir:  filepath.Join(state, "stage"),
		NoCache:     noCache,
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	return a, state
}

func stepNames(spec imagespec.Spec) []string {
	names := make([]string, len(spec.Steps))
	for i, s := range spec.Steps {
		names[i] = s.DisplayName(i)
	}
	return names
}

func TestAssembleCachesUnchangedSteps(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, state := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()
	ctx := context.Background()

	first, err := a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, stepNames(spec), engine.applied)
	assert.Equal(t, stepNames(spec), first.Executed())
	assert.Equal(t, first.Ref, engine.tags[spec.Tag])
	assert.FileExists(t, ManifestPath(filepath.Join(state, "images"), spec.Tag))

	// each layer builds on the previous one
	assert.Equal(t, "", engine.parents[0])
	for i := 1; i < len(engine.parents); i++ {
		assert.Equal(t, "fake:layer-"+shortKey(first.Layers[i-1].Key), engine.parents[i])
	}

	engine.reset()
	second, err := a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Empty(t, engine.applied)
	assert.Empty(t, second.Executed())
	assert.Equal(t, first.Ref, second.Ref)
}

func TestAssembleSourceEditRerunsOnlySourceLayer(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()
	ctx := context.Background()

	_, err := a.Assemble(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "release_server.py"), []byte("app = object()\n"), 0o644))
	engine.reset()
	artifact, err := a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-source"}, engine.applied)
	assert.Equal(t, []string{"app-source"}, artifact.Executed())
}

func TestAssembleIgnoredEditKeepsCache(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()
	ctx := context.Background()

	_, err := a.Assemble(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "outputs", "second.mp4"), []byte("more"), 0o644))
	engine.reset()
	_, err = a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Empty(t, engine.applied)
}

func TestAssembleLockEditRerunsFromLockLayer(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()
	ctx := context.Background()

	_, err := a.Assemble(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "uv.lock"), []byte("version = 2\n"), 0o644))
	engine.reset()
	_, err = a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, stepNames(spec)[2:], engine.applied)
}

func TestAssembleStagesFilteredSource(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)

	_, err := a.Assemble(context.Background(), imagespec.Default())
	require.NoError(t, err)

	source := engine.staged["app-source"]
	sort.Strings(source)
	assert.Equal(t, []string{
		"root/app/configs/self_forcing_server_14b.yaml",
		"root/app/pyproject.toml",
		"root/app/release_server.py",
	}, source)

	lock := engine.staged["locked-dependencies"]
	sort.Strings(lock)
	assert.Equal(t, []string{"root/.deps/pyproject.toml", "root/.deps/uv.lock"}, lock)
}

func TestAssembleFailureAbortsWithoutPublishing(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	engine.failStep = "flash-attn"
	a, state := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()

	_, err := a.Assemble(context.Background(), spec)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 4, stepErr.Index)
	assert.Equal(t, "flash-attn", stepErr.Step)
	assert.Equal(t, imagespec.KindNative, stepErr.Kind)
	assert.Contains(t, err.Error(), "exit status 1")

	assert.Equal(t, stepNames(spec)[:4], engine.applied)
	assert.Empty(t, engine.tags)
	assert.NoFileExists(t, ManifestPath(filepath.Join(state, "images"), spec.Tag))

	// completed layers stay cached for the next attempt
	engine.failStep = ""
	engine.reset()
	_, err = a.Assemble(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, stepNames(spec)[4:], engine.applied)
}

func TestAssembleMissingLockFileFailsAtLockStep(t *testing.T) {
	root := writeProject(t)
	require.NoError(t, os.Remove(filepath.Join(root, "uv.lock")))
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)

	_, err := a.Assemble(context.Background(), imagespec.Default())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "locked-dependencies", stepErr.Step)
	assert.Contains(t, err.Error(), "uv.lock not found")
	assert.Empty(t, engine.applied)
}

func TestAssembleNoCache(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	state := t.TempDir()
	cache := NewFileCache(state)
	spec := imagespec.Default()

	a, err := New(Options{Root: root, Engine: engine, Cache: cache})
	require.NoError(t, err)
	_, err = a.Assemble(context.Background(), spec)
	require.NoError(t, err)

	engine.reset()
	a, err = New(Options{Root: root, Engine: engine, Cache: cache, NoCache: true})
	require.NoError(t, err)
	_, err = a.Assemble(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, stepNames(spec), engine.applied)
}

func TestAssembleRebuildsWhenEngineLostImage(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()

	first, err := a.Assemble(context.Background(), spec)
	require.NoError(t, err)

	delete(engine.images, first.Layers[len(first.Layers)-1].Ref)
	engine.reset()
	_, err = a.Assemble(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-source"}, engine.applied)
}

func TestAssembleRebuildsEveryLayerAfterLostImage(t *testing.T) {
	root := writeProject(t)
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, root, engine, false)
	spec := imagespec.Default()
	ctx := context.Background()

	first, err := a.Assemble(ctx, spec)
	require.NoError(t, err)

	delete(engine.images, first.Layers[1].Ref)
	engine.reset()

	layers, err := a.Plan(ctx, spec)
	require.NoError(t, err)
	assert.True(t, layers[0].Cached)
	for _, l := range layers[1:] {
		assert.False(t, l.Cached, l.Name)
	}

	second, err := a.Assemble(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, stepNames(spec)[1:], engine.applied)
	assert.Equal(t, stepNames(spec)[1:], second.Executed())
	assert.Equal(t, first.Layers[0].Ref, engine.parents[0])
	assert.Equal(t, second.Layers[len(second.Layers)-1].Ref, engine.tags[spec.Tag])
}

func TestAssembleRejectsInvalidSpec(t *testing.T) {
	engine := newFakeEngine()
	a, _ := newTestAssembler(t, t.TempDir(), engine, false)

	spec := imagespec.Default()
	spec.Steps[1], spec.Steps[2] = spec.Steps[2], spec.Steps[1]

	_, err := a.Assemble(context.Background(), spec)
	require.ErrorIs(t, err, imagespec.ErrStepOrder)
	assert.Empty(t, engine.applied)
}

func TestPlanKeys(t *testing.T) {
	root := writeProject(t)
	a, _ := newTestAssembler(t, root, newFakeEngine(), false)
	ctx := context.Background()

	spec := imagespec.Default()
	layers, err := a.Plan(ctx, spec)
	require.NoError(t, err)
	require.Len(t, layers, len(spec.Steps))

	seen := make(map[string]bool)
	for _, l := range layers {
		assert.Len(t, l.Key, 64)
		assert.False(t, seen[l.Key])
		seen[l.Key] = true
		assert.False(t, l.Cached)
	}

	again, err := a.Plan(ctx, spec)
	require.NoError(t, err)
	for i := range layers {
		assert.Equal(t, layers[i].Key, again[i].Key)
	}

	// renaming keeps the cache, changing the body does not
	renamed := imagespec.Default()
	renamed.Steps[1].Name = "apt"
	relayers, err := a.Plan(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, layers[1].Key, relayers[1].Key)

	changed := imagespec.Default()
	changed.Steps[1].Packages = append(changed.Steps[1].Packages, "curl")
	changedLayers, err := a.Plan(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, layers[0].Key, changedLayers[0].Key)
	for i := 1; i < len(layers); i++ {
		assert.NotEqual(t, layers[i].Key, changedLayers[i].Key)
	}
}

func TestPlanCommands(t *testing.T) {
	root := writeProject(t)
	a, _ := newTestAssembler(t, root, newFakeEngine(), false)

	layers, err := a.Plan(context.Background(), imagespec.Default())
	require.NoError(t, err)

	assert.Equal(t, "nvidia/cuda:12.8.1-devel-ubuntu22.04", layers[0].Base)
	assert.True(t, layers[0].ClearEntrypoint)
	assert.Contains(t, strings.Join(layers[0].Commands, "\n"), "python3.11")
	assert.Contains(t, layers[1].Commands[1], "ffmpeg git build-essential")
	assert.Contains(t, layers[2].Commands[0], "uv sync")
	assert.Contains(t, layers[2].Commands[0], "--frozen")
	assert.Equal(t, "b200", layers[2].GPU)
	assert.Equal(t, []string{"python -m pip install hf-transfer"}, layers[3].Commands)
	assert.Equal(t, []string{"python -m pip install flash-attn --no-build-isolation"}, layers[4].Commands)
	assert.Equal(t, map[string]string{"HF_HUB_ENABLE_HF_TRANSFER": "1"}, layers[5].Env)
	assert.Equal(t, []string{
		"huggingface-cli download krea/krea-realtime-video krea-realtime-video-14b.safetensors --local-dir /root/checkpoints",
	}, layers[8].Commands)
}

func TestNewRequiresEngineAndCache(t *testing.T) {
	_, err := New(Options{Cache: NewFileCache(t.TempDir())})
	require.Error(t, err)
	_, err = New(Options{Engine: newFakeEngine()})
	require.Error(t, err)
}

func TestManifestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "krea-realtime-video_latest.json"), ManifestPath("out", "krea-realtime-video:latest"))
}
