package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dosanma1/vidforge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate vidforge.yaml",
	Long: `Validates vidforge.yaml against the JSON Schema, then checks the build
specification semantically: step order, accelerator toolkit, lock inputs and
the runtime environment.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir, err := startDir()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := findProjectRoot(dir)
	if err != nil {
		return err
	}
	configPath := filepath.Join(root, config.FileName)

	fmt.Printf("🔍 Validating %s...\n", config.FileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", config.FileName, err)
	}

	violations, err := config.ValidateSchema(data)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		fmt.Println("\n❌ Validation failed with the following errors:")
		fmt.Println()
		for i, v := range violations {
			fmt.Printf("%d. %s\n", i+1, v.String())
			fmt.Printf("   Field: %s\n", v.Field)
			fmt.Printf("   Type: %s\n\n", v.Type)
		}
		return fmt.Errorf("validation failed with %d errors", len(violations))
	}

	cfg, err := config.Parse(data)
	if err != nil {
		fmt.Printf("\n❌ %v\n", err)
		return fmt.Errorf("validation failed")
	}

	fmt.Printf("✅ %s is valid! (%d steps, tag %s)\n", config.FileName, len(cfg.Image.Steps), cfg.Image.Tag)
	return nil
}
