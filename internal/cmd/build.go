package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/dosanma1/vidforge/internal/assembly"
	"github.com/dosanma1/vidforge/internal/config"
	"github.com/dosanma1/vidforge/internal/fetch"
	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/internal/watch"
)

var (
	buildNoCache bool
	buildWatch   bool
	buildVerbose bool
	buildDocker  string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Assemble the server image",
	Long: `Assemble the image described by the image section of vidforge.yaml.

Every step is one cached layer. A layer is reused while its definition, its
inputs and every layer before it are unchanged; the first changed step and
all later steps are re-executed.

Examples:
  vidforge build                 # Build, reusing cached layers
  vidforge build --no-cache      # Re-execute every step
  vidforge build --watch         # Rebuild whenever the source tree changes
  vidforge build --verbose       # Log per-layer details`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "Re-execute every step")
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "Rebuild when the source tree changes")
	buildCmd.Flags().BoolVar(&buildVerbose, "verbose", false, "Show detailed build output")
	buildCmd.Flags().StringVar(&buildDocker, "docker", "", "Container engine binary (default: docker)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if buildVerbose {
		if err := setVerbosity("2"); err != nil {
			return err
		}
	}

	cfg, root, err := loadProject()
	if err != nil {
		return err
	}
	resolver := config.NewResolver(cfg, root)

	engine, err := assembly.NewDockerEngine(resolver.ResolveDocker(buildDocker), resolver.ResolveLayerRepo(), os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	assembler, err := newAssembler(cfg, root, resolver, engine, buildNoCache)
	if err != nil {
		return err
	}

	if err := assemble(ctx, assembler, cfg.Image); err != nil {
		return err
	}

	if !buildWatch {
		return nil
	}
	return watchAndRebuild(ctx, cfg, root, resolver, assembler)
}

// newAssembler wires the cache, state directories and fetchers of a project.
func newAssembler(cfg *config.Config, root string, resolver *config.Resolver, engine assembly.Engine, noCache bool) (*assembly.Assembler, error) {
	var fetcher assembly.ArtifactFetcher
	if needsS3(cfg.Image) {
		s3cfg, err := fetch.S3ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to configure s3: %w", err)
		}
		if fetcher, err = fetch.NewS3Fetcher(s3cfg, os.Stderr); err != nil {
			return nil, err
		}
	}

	return assembly.New(assembly.Options{
		Root:        root,
		Engine:      engine,
		Cache:       assembly.NewFileCache(resolver.CacheDir()),
		Fetcher:     fetcher,
		ManifestDir: resolver.ManifestDir(),
		StagingDir:  resolver.StagingDir(),
		NoCache:     noCache,
		Progress:    os.Stderr,
	})
}

func needsS3(spec imagespec.Spec) bool {
	for _, step := range spec.Steps {
		if step.Download != nil && step.Download.Store == imagespec.StoreS3 {
			return true
		}
	}
	return false
}

func assemble(ctx context.Context, assembler *assembly.Assembler, spec imagespec.Spec) error {
	fmt.Printf("🚀 Assembling %s (%d steps)...\n", spec.Tag, len(spec.Steps))
	started := time.Now()

	artifact, err := assembler.Assemble(ctx, spec)
	if err != nil {
		var stepErr *assembly.StepError
		if errors.As(err, &stepErr) {
			fmt.Printf("❌ Step %d (%s) failed\n", stepErr.Index+1, stepErr.Step)
		}
		return err
	}

	executed := artifact.Executed()
	if len(executed) == 0 {
		fmt.Println("   ✓ All layers cached")
	} else {
		fmt.Printf("   ✓ Executed: %s\n", strings.Join(executed, ", "))
	}
	fmt.Printf("✅ Built %s in %s\n", artifact.Tag, time.Since(started).Round(time.Millisecond))
	return nil
}

// watchAndRebuild reassembles on every batch of source changes until
// interrupted. Build failures are reported and the loop keeps going.
func watchAndRebuild(ctx context.Context, cfg *config.Config, root string, resolver *config.Resolver, assembler *assembly.Assembler) error {
	ignore := watchIgnore(cfg.Image, root, resolver.ResolveStateDir())
	w, err := watch.New(watch.Config{Root: root, Ignore: ignore})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	ctx, stop := signalContext(ctx)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	fmt.Printf("👀 Watching %s for changes (Ctrl+C to stop)...\n", root)

	logger := klog.FromContext(ctx)
	err = watch.Loop(ctx, w, func(ctx context.Context, batch watch.Batch) error {
		fmt.Printf("\n🔄 %d file(s) changed\n", len(batch))
		if err := assemble(ctx, assembler, cfg.Image); err != nil {
			logger.Error(err, "Rebuild failed")
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		fmt.Println("\n👋 Stopped watching")
		return nil
	}
	return err
}

// watchIgnore collects the ignore patterns of every source step plus the
// state directory, so writes made by the build never retrigger it.
func watchIgnore(spec imagespec.Spec, root, stateDir string) []string {
	var ignore []string
	for _, step := range spec.Steps {
		if step.Source != nil {
			ignore = append(ignore, step.Source.Ignore...)
		}
	}
	if rel, err := filepath.Rel(root, stateDir); err == nil && !strings.HasPrefix(rel, "..") {
		ignore = append(ignore, strings.Split(filepath.ToSlash(rel), "/")[0])
	}
	return ignore
}
