package cmd

import (
	"context"
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "vidforge",
	Short: "vidforge - GPU inference image assembly and server bootstrap",
	Long: `vidforge assembles the layered GPU image of a realtime video generation
service from vidforge.yaml, and bootstraps the inference server inside it.

Layers are cached by content: a rebuild only re-executes the first changed
step and everything after it.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() error {
	defer klog.Flush()
	logger := klog.Background()
	return rootCmd.ExecuteContext(klog.NewContext(context.Background(), logger))
}

func init() {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	rootCmd.PersistentFlags().AddGoFlagSet(fs)

	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "Project directory (default: nearest parent holding vidforge.yaml)")
}

// setVerbosity raises klog verbosity, as if --v had been passed.
func setVerbosity(level string) error {
	return rootCmd.PersistentFlags().Set("v", level)
}
