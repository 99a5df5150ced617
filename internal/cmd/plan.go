package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/dosanma1/vidforge/internal/assembly"
	"github.com/dosanma1/vidforge/internal/config"
	"github.com/dosanma1/vidforge/pkg/xos"
)

var (
	planDockerfile bool
	planOutput     string
	planDocker     string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the layers a build would execute",
	Long: `Compile the build specification and show every layer with its cache key
and whether a build would reuse it, followed by the deployment descriptor.

Examples:
  vidforge plan                          # Layer table
  vidforge plan --dockerfile             # Equivalent Dockerfile
  vidforge plan --output build/docker    # Write Dockerfile and .dockerignore`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().BoolVar(&planDockerfile, "dockerfile", false, "Print the equivalent Dockerfile")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "Write Dockerfile and .dockerignore into this directory")
	planCmd.Flags().StringVar(&planDocker, "docker", "", "Container engine binary (default: docker)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, root, err := loadProject()
	if err != nil {
		return err
	}
	resolver := config.NewResolver(cfg, root)

	var engine assembly.Engine
	engine, err = assembly.NewDockerEngine(resolver.ResolveDocker(planDocker), resolver.ResolveLayerRepo(), os.Stdout, os.Stderr)
	if err != nil {
		klog.FromContext(ctx).V(1).Info("Container engine unavailable, trusting cache records", "err", err)
		engine = recordEngine{}
	}

	assembler, err := newAssembler(cfg, root, resolver, engine, false)
	if err != nil {
		return err
	}
	layers, err := assembler.Plan(ctx, cfg.Image)
	if err != nil {
		return err
	}

	if planDockerfile || planOutput != "" {
		dockerfile, dockerignore := assembly.RenderDockerfile(layers)
		if planOutput != "" {
			return writeDockerfile(planOutput, dockerfile, dockerignore)
		}
		fmt.Print(dockerfile)
		return nil
	}

	fmt.Printf("📋 Plan for %s\n\n", cfg.Image.Tag)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP\tKIND\tKEY\tSTATUS\tGPU")
	pending := 0
	for _, l := range layers {
		status := "cached"
		if !l.Cached {
			status = "build"
			pending++
		}
		gpu := l.GPU
		if gpu == "" {
			gpu = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", l.Index+1, l.Name, l.Kind, l.ShortKey(), status, gpu)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	d := cfg.Deployment
	fmt.Printf("\n%d of %d layers to build\n\n", pending, len(layers))
	fmt.Println("🚀 Deployment")
	fmt.Printf("   GPU:              %s\n", d.GPU)
	fmt.Printf("   Timeout:          %s\n", d.Timeout)
	fmt.Printf("   Scaledown window: %s\n", d.ScaledownWindow)
	fmt.Printf("   Max inputs:       %d\n", d.MaxInputs)
	fmt.Printf("   Startup timeout:  %s\n", d.StartupTimeout)
	fmt.Printf("   Port:             %d\n", d.Port)
	return nil
}

func writeDockerfile(dir, dockerfile, dockerignore string) error {
	if err := xos.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	if err := xos.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(dockerignore), 0o644); err != nil {
		return fmt.Errorf("failed to write .dockerignore: %w", err)
	}
	fmt.Printf("✅ Wrote Dockerfile and .dockerignore to %s\n", dir)
	return nil
}

var errNoEngine = errors.New("no container engine available")

// recordEngine answers planning queries from cache records alone.
type recordEngine struct{}

func (recordEngine) Apply(context.Context, string, *assembly.Layer, []assembly.Copy) (string, error) {
	return "", errNoEngine
}

func (recordEngine) Exists(context.Context, string) (bool, error) {
	return true, nil
}

func (recordEngine) Tag(context.Context, string, string) error {
	return errNoEngine
}
