package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/dosanma1/vidforge/internal/bootstrap"
	"github.com/dosanma1/vidforge/internal/config"
)

// defaultApp is used when serve runs without a vidforge.yaml, as inside the image.
const defaultApp = "krea-realtime-video"

var (
	serveDetach    bool
	serveReadyAddr string
	serveGrace     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap and run the inference server",
	Long: `Prepare the runtime environment, create the checkpoint alias and start
the inference server in the application directory.

Without vidforge.yaml the built-in defaults are used, which match the
assembled image. Unless --detach is set, serve waits for the server port to
accept connections and then stays in the foreground until the server exits or
a signal arrives; SIGINT and SIGTERM are forwarded as SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Return as soon as the server has been spawned")
	serveCmd.Flags().StringVar(&serveReadyAddr, "ready-addr", "", "Address probed for readiness (default: 127.0.0.1:<deployment.port>)")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 30*time.Second, "Time to wait after SIGTERM before killing the server")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := klog.FromContext(ctx)

	dir, err := startDir()
	if err != nil {
		return err
	}
	var cfg *config.Config
	root, err := findProjectRoot(dir)
	if err != nil {
		logger.V(1).Info("No project descriptor, using defaults", "err", err)
		cfg, root = config.NewDefaultConfig(defaultApp), dir
	} else if cfg, err = config.Load(filepath.Join(root, config.FileName)); err != nil {
		return err
	}
	resolver := config.NewResolver(cfg, root)

	fmt.Printf("🚀 Starting %s in %s...\n", cfg.App, cfg.Server.AppRoot)
	proc, err := startServer(ctx, cfg.Bootstrap())
	if err != nil {
		return fmt.Errorf("failed to bootstrap server: %w", err)
	}
	fmt.Printf("   ✓ Server spawned (pid %d)\n", proc.Pid)

	if serveDetach {
		return nil
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	addr := resolver.ResolveReadyAddr(serveReadyAddr)
	fmt.Printf("⏳ Waiting for %s (up to %s)...\n", addr, cfg.Deployment.StartupTimeout)
	if err := bootstrap.WaitReady(ctx, proc, addr, cfg.Deployment.StartupTimeout); err != nil {
		stopServer(proc)
		if errors.Is(err, bootstrap.ErrExited) {
			return err
		}
		if ctx.Err() != nil {
			fmt.Println("\n🛑 Interrupted")
			return nil
		}
		return err
	}
	fmt.Printf("✅ Server ready on %s\n", addr)

	select {
	case <-proc.Done():
	case <-ctx.Done():
		fmt.Println("\n🛑 Stopping server...")
		stopServer(proc)
		fmt.Println("✅ Server stopped")
		return nil
	}

	return exitError(proc)
}

// startServer runs the bootstrap sequence with real processes.
var startServer = func(ctx context.Context, cfg bootstrap.Config) (*bootstrap.ManagedProcess, error) {
	return bootstrap.New(cfg, nil).Run(ctx)
}

// stopServer stops proc, bounded by the grace period.
func stopServer(proc *bootstrap.ManagedProcess) {
	ctx, cancel := context.WithTimeout(context.Background(), serveGrace+5*time.Second)
	defer cancel()
	if err := proc.Stop(ctx, serveGrace); err != nil {
		fmt.Printf("⚠️  Failed to stop server: %v\n", err)
	}
}

func exitError(proc *bootstrap.ManagedProcess) error {
	if err := proc.Err(); err != nil {
		return fmt.Errorf("server wait failed: %w", err)
	}
	status, _ := proc.ExitStatus()
	if !status.Success() {
		return fmt.Errorf("server exited: %s", status.Description)
	}
	fmt.Println("✅ Server exited")
	return nil
}
