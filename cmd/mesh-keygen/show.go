package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cryptostorage "github.com/silentmesh/core/crypto/storage"
	"github.com/silentmesh/core/identity"
)

var showCmd = &cobra.Command{
	Use:   "show <export-file>",
	Short: "Verify and print the identity carried by an export blob",
	Long: `Verifies the blob's self-signature (rejecting it if the
signature doesn't match the embedded signing key, which would mean
the blob was corrupted or hand-edited) and prints the identity it
carries. Import happens into a throwaway in-memory key store; this
command never touches a node's on-disk primary identity.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	id, err := identity.Import(data, cryptostorage.NewMemoryKeyStorage())
	if err != nil {
		return fmt.Errorf("import identity: %w", err)
	}

	fmt.Printf("peer id:      %s\n", id.PeerID)
	fmt.Printf("fingerprint:  %s\n", id.Fingerprint())
	fmt.Printf("display name: %s\n", id.DisplayName)
	fmt.Printf("created at:   %s\n", id.CreatedAt)
	return nil
}
