package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/relay"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate and inspect identity keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new identity keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := relay.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("failed to generate identity: %w", err)
		}

		fmt.Printf("  Public key:  %s\n", id.Npub())
		fmt.Printf("  Private key: %s\n", id.Nsec())
		fmt.Println()
		fmt.Println("Store the private key securely. It cannot be recovered, and")
		fmt.Println("whoever holds it controls the identity and its leases.")
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Show the public identity for a private key",
	Long:  `Show the public identity for a private key (hex or nsec).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := relay.IdentityFromKey(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("  NPUB: %s\n", id.Npub())
		fmt.Printf("  Hex:  %s\n", id.PublicKey)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysShowCmd)
}
