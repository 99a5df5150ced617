package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/pkg/xos"
)

// Options configures an Assembler.
type Options struct {
	// Root is the project root; relative step paths resolve against it.
	Root string

	Engine  Engine
	Cache   Cache
	Fetcher ArtifactFetcher

	// ManifestDir receives one artifact manifest per tag. Empty disables it.
	ManifestDir string

	// StagingDir holds staged host inputs. Empty uses the system temp dir.
	StagingDir string

	// NoCache re-executes every layer.
	NoCache bool

	// Progress receives a layer progress bar. Nil disables it.
	Progress io.Writer

	Now func() time.Time
}

// Assembler builds images from Build Specifications.
type Assembler struct {
	opts Options
}

// Artifact is the published result of an assembly.
type Artifact struct {
	Tag     string        `json:"tag"`
	Ref     string        `json:"ref"`
	Layers  []LayerRecord `json:"layers"`
	BuiltAt time.Time     `json:"builtAt"`
}

// Executed returns the names of layers that ran during this assembly.
func (a *Artifact) Executed() []string {
	var names []string
	for _, l := range a.Layers {
		if !l.Cached {
			names = append(names, l.Step)
		}
	}
	return names
}

// StepError reports the step that aborted an assembly.
type StepError struct {
	Index int
	Step  string
	Kind  imagespec.StepKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s, %s) failed: %v", e.Index+1, e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// New creates an Assembler.
func New(opts Options) (*Assembler, error) {
	if opts.Engine == nil {
		return nil, errors.New("assembly engine is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("layer cache is required")
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assembler{opts: opts}, nil
}

// Plan compiles spec into layers with chained cache keys and marks the
// layers whose cached ref is still present in the engine.
func (a *Assembler) Plan(ctx context.Context, spec imagespec.Spec) ([]*Layer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	layers, err := compile(spec, a.opts.Root, a.opts.Fetcher)
	if err != nil {
		return nil, err
	}

	parent := ""
	// Once a layer misses, every later layer must be rebuilt on top of it.
	chainBroken := false
	for _, l := range layers {
		digest := ""
		if l.Input != nil {
			if digest, err = l.Input.Digest(); err != nil {
				return nil, &StepError{Index: l.Index, Step: l.Name, Kind: l.Kind, Err: err}
			}
		}
		if l.Key, err = layerKey(parent, l.step, digest); err != nil {
			return nil, err
		}
		parent = l.Key

		if a.opts.NoCache || chainBroken {
			continue
		}
		rec, ok, err := a.opts.Cache.Lookup(l.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			chainBroken = true
			continue
		}
		exists, err := a.opts.Engine.Exists(ctx, rec.Ref)
		if err != nil {
			return nil, fmt.Errorf("check cached layer %s: %w", l.Name, err)
		}
		l.Cached = exists
		if exists {
			l.CachedRef = rec.Ref
		} else {
			chainBroken = true
		}
	}
	return layers, nil
}

// Assemble builds spec. Layers run in order; the first failure aborts with a
// *StepError and nothing is tagged or published.
func (a *Assembler) Assemble(ctx context.Context, spec imagespec.Spec) (*Artifact, error) {
	logger := klog.FromContext(ctx)

	layers, err := a.Plan(ctx, spec)
	if err != nil {
		return nil, err
	}

	bar := a.progress(len(layers))
	records := make([]LayerRecord, 0, len(layers))
	ref := ""
	for _, l := range layers {
		if bar != nil {
			bar.Describe(l.Name)
		}

		if l.Cached {
			logger.Info("Layer cached", "step", l.Name, "key", l.ShortKey())
			ref = l.CachedRef
			records = append(records, LayerRecord{Key: l.Key, Ref: ref, Step: l.Name, Kind: l.Kind, Cached: true})
			if bar != nil {
				_ = bar.Add(1)
			}
			continue
		}

		logger.Info("Building layer", "step", l.Name, "kind", l.Kind, "key", l.ShortKey())
		started := a.opts.Now()
		next, err := a.apply(ctx, ref, l)
		if err != nil {
			return nil, &StepError{Index: l.Index, Step: l.Name, Kind: l.Kind, Err: err}
		}
		ref = next

		rec := LayerRecord{Key: l.Key, Ref: ref, Step: l.Name, Kind: l.Kind, CreatedAt: a.opts.Now()}
		if err := a.opts.Cache.Put(rec); err != nil {
			return nil, fmt.Errorf("record layer %s: %w", l.Name, err)
		}
		records = append(records, rec)
		logger.V(1).Info("Layer built", "step", l.Name, "ref", ref, "duration", a.opts.Now().Sub(started))
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if err := a.opts.Engine.Tag(ctx, ref, spec.Tag); err != nil {
		return nil, fmt.Errorf("tag %s: %w", spec.Tag, err)
	}

	artifact := &Artifact{Tag: spec.Tag, Ref: ref, Layers: records, BuiltAt: a.opts.Now()}
	if a.opts.ManifestDir != "" {
		if err := xos.WriteJSON(ManifestPath(a.opts.ManifestDir, spec.Tag), artifact, 0o644); err != nil {
			return nil, fmt.Errorf("write artifact manifest: %w", err)
		}
	}
	logger.Info("Image assembled", "tag", spec.Tag, "layers", len(records), "executed", len(artifact.Executed()))
	return artifact, nil
}

// apply stages the layer's host input, if any, and runs it on the engine.
func (a *Assembler) apply(ctx context.Context, parent string, l *Layer) (string, error) {
	var copies []Copy
	if l.Input != nil {
		if a.opts.StagingDir != "" {
			if err := os.MkdirAll(a.opts.StagingDir, 0o755); err != nil {
				return "", err
			}
		}
		dir, err := os.MkdirTemp(a.opts.StagingDir, "stage-"+l.ShortKey()+"-")
		if err != nil {
			return "", fmt.Errorf("create staging dir: %w", err)
		}
		defer os.RemoveAll(dir)

		if copies, err = l.Input.Stage(ctx, dir); err != nil {
			return "", err
		}
	}
	return a.opts.Engine.Apply(ctx, parent, l, copies)
}

func (a *Assembler) progress(total int) *progressbar.ProgressBar {
	if a.opts.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(a.opts.Progress),
		progressbar.OptionSetDescription("Assembling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(a.opts.Progress, "\n")
		}),
	)
}

var unsafeTag = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ManifestPath returns where the manifest for tag is written below dir.
func ManifestPath(dir, tag string) string {
	return filepath.Join(dir, unsafeTag.ReplaceAllString(tag, "_")+".json")
}
