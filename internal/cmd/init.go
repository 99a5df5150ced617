package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dosanma1/vidforge/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [app]",
	Short: "Write a default vidforge.yaml",
	Long: `Write vidforge.yaml for the realtime video server into the project
directory. The app name defaults to the directory name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing vidforge.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := startDir()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}

	app := filepath.Base(dir)
	if len(args) == 1 {
		app = args[0]
	}

	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.NewDefaultConfig(app)
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("✅ Created %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  vidforge validate")
	fmt.Println("  vidforge plan")
	fmt.Println("  vidforge build")
	return nil
}
