// Command mesh-keygen creates, inspects, and migrates the Ed25519 +
// X25519 identity a mesh node presents to its peers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/silentmesh/core/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "mesh-keygen",
	Short:   "Generate and inspect mesh node identities",
	Version: version.Short(),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mesh-keygen: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
