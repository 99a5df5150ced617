// Package fetch retrieves model artifacts for download steps, either with
// the hub CLI inside the image or from an S3-compatible bucket on the host.
package fetch

import "github.com/dosanma1/vidforge/internal/imagespec"

// HubCLI is the model hub command line client available inside the image.
const HubCLI = "huggingface-cli"

// HubCommand returns the argv that downloads d with the hub CLI.
func HubCommand(d imagespec.Download) []string {
	args := []string{HubCLI, "download", d.Artifact}
	args = append(args, d.Files...)
	if d.Revision != "" {
		args = append(args, "--revision", d.Revision)
	}
	if d.NoSymlinks {
		args = append(args, "--local-dir-use-symlinks", "False")
	}
	return append(args, "--local-dir", d.Dest)
}
