package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/dosanma1/vidforge/internal/assembly"
	"github.com/dosanma1/vidforge/internal/config"
)

var (
	cleanYes bool
	cleanAll bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune the layer cache",
	Long: `Remove the layer cache records so the next build re-executes every step.

Use --all to also remove artifact manifests and staged inputs (the whole
state directory). Images already held by the container engine are kept.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&cleanYes, "yes", "y", false, "Do not ask for confirmation")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove the whole state directory")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadProject()
	if err != nil {
		return err
	}
	resolver := config.NewResolver(cfg, root)
	cache := assembly.NewFileCache(resolver.CacheDir())

	records, err := cache.List()
	if err != nil {
		return err
	}

	target := cache.Dir()
	if cleanAll {
		target = resolver.ResolveStateDir()
	}

	if !cleanYes {
		ok, err := confirm(fmt.Sprintf("Remove %d cached layers from %s", len(records), target))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted")
			return nil
		}
	}

	fmt.Printf("🗑️  Removing %s...\n", target)
	n, err := cache.Prune()
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	if cleanAll {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}
	fmt.Printf("   ✓ Removed %d cache records\n", n)

	fmt.Println("✅ Clean completed successfully")
	return nil
}

// confirm asks a yes/no question. Answering no is not an error.
func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
