package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/discovery"
	"github.com/cuemby/hutch/pkg/manifest"
	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/types"
)

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Spawn and manage leased pods",
}

var podSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Pay a provider to spawn a pod",
	Long: `Pay a provider to spawn a pod. The Cashu token funds the lease; its
value divided by the tier rate sets the duration.

Examples:
  # From a manifest
  hutch pod spawn -f pod.yaml

  # From flags
  hutch pod spawn --provider npub1abc... --image ubuntu-22.04 \
      --tier basic --token-file note.cashu`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providerRef := ""
		req := &types.SpawnRequest{}

		if file, _ := cmd.Flags().GetString("file"); file != "" {
			m, err := manifest.Load(file)
			if err != nil {
				return err
			}
			token, err := m.ResolveToken(filepath.Dir(file))
			if err != nil {
				return err
			}
			req = m.SpawnRequest(token)
			providerRef = m.Spec.Provider
		}

		// Flags win over manifest values.
		if v, _ := cmd.Flags().GetString("provider"); v != "" {
			providerRef = v
		}
		if v, _ := cmd.Flags().GetString("image"); v != "" {
			req.PodImage = v
		}
		if v, _ := cmd.Flags().GetString("tier"); v != "" {
			req.PodSpecID = v
		}
		if v, _ := cmd.Flags().GetString("username"); v != "" {
			req.SSHUsername = v
		}
		if v, _ := cmd.Flags().GetString("password"); v != "" {
			req.SSHPassword = v
		}
		token, err := tokenFromFlags(cmd, req.CashuToken)
		if err != nil {
			return err
		}
		req.CashuToken = token

		if providerRef == "" {
			return errors.New("a provider is required (--provider or manifest spec.provider)")
		}
		if req.PodImage == "" {
			return errors.New("an image is required (--image or manifest spec.image)")
		}
		if req.CashuToken == "" {
			return errors.New("a Cashu token is required (--token, --token-file, or manifest spec.token)")
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		client, done, err := podClient(cmd, discovery.Timeouts{Spawn: timeout})
		if err != nil {
			return err
		}
		defer done()

		fmt.Printf("Spawning %s on %s...\n", req.PodImage, providerRef)
		access, err := client.Spawn(cmd.Context(), providerRef, req)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(access)
		}

		fmt.Println("✓ Pod spawned")
		fmt.Println()
		fmt.Printf("  Pod NPUB:  %s\n", access.PodNpub)
		fmt.Printf("  Tier:      %s (%s)\n", access.PodSpecName, access.PodSpecDescription)
		fmt.Printf("  Resources: %dm CPU, %d MB RAM\n", access.CPUMillicores, access.MemoryMB)
		fmt.Printf("  Expires:   %s\n", access.ExpiresAt)
		fmt.Println()
		fmt.Println("Access:")
		for _, line := range access.Instructions {
			fmt.Printf("  %s\n", line)
		}
		return nil
	},
}

var podStatusCmd = &cobra.Command{
	Use:   "status POD_ID",
	Short: "Query a pod's lease status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerRef, _ := cmd.Flags().GetString("provider")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, done, err := podClient(cmd, discovery.Timeouts{Status: timeout})
		if err != nil {
			return err
		}
		defer done()

		status, err := client.Status(cmd.Context(), providerRef, args[0])
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(status)
		}

		remaining := time.Duration(status.TimeRemainingSeconds) * time.Second
		fmt.Printf("  Pod:       %s\n", status.PodID)
		fmt.Printf("  Status:    %s\n", status.Status)
		fmt.Printf("  Expires:   %s (%s remaining)\n", status.ExpiresAt, remaining)
		fmt.Printf("  Resources: %dm CPU, %d MB RAM\n", status.CPUMillicores, status.MemoryMB)
		if status.NodePort != 0 {
			fmt.Printf("  SSH:       ssh -p %d %s@%s\n", status.NodePort, status.SSHUsername, status.Host)
		}
		return nil
	},
}

var podTopupCmd = &cobra.Command{
	Use:   "topup POD_NPUB",
	Short: "Extend a pod's lease with another token",
	Long: `Extend a pod's lease with another token. Topups are only accepted
from the key that spawned the pod.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerRef, _ := cmd.Flags().GetString("provider")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		token, err := tokenFromFlags(cmd, "")
		if err != nil {
			return err
		}
		if token == "" {
			return errors.New("a Cashu token is required (--token or --token-file)")
		}

		client, done, err := podClient(cmd, discovery.Timeouts{Topup: timeout})
		if err != nil {
			return err
		}
		defer done()

		topup, err := client.Topup(cmd.Context(), providerRef, args[0], token)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(topup)
		}

		fmt.Println("✓ Lease extended")
		fmt.Printf("  Pod NPUB: %s\n", topup.PodNpub)
		fmt.Printf("  Added:    %s\n", time.Duration(topup.AddedSeconds)*time.Second)
		fmt.Printf("  Expires:  %s\n", topup.ExpiresAt)
		return nil
	},
}

func init() {
	podCmd.AddCommand(podSpawnCmd)
	podCmd.AddCommand(podStatusCmd)
	podCmd.AddCommand(podTopupCmd)

	podCmd.PersistentFlags().StringSlice("relay", config.Default().Identity.Relays, "Relay URLs to use")
	podCmd.PersistentFlags().String("key", "", "Client private key, hex or nsec (default: ~/.hutch/identity, created on first use)")
	podCmd.PersistentFlags().Bool("json", false, "Print raw JSON responses")

	podSpawnCmd.Flags().StringP("file", "f", "", "Pod manifest (YAML)")
	podSpawnCmd.Flags().String("provider", "", "Provider npub or unique prefix")
	podSpawnCmd.Flags().String("image", "", "Image to run (e.g. ubuntu-22.04)")
	podSpawnCmd.Flags().String("tier", "", "Pricing tier id (default: provider's cheapest)")
	podSpawnCmd.Flags().String("token", "", "Cashu token")
	podSpawnCmd.Flags().String("token-file", "", "File containing a Cashu token")
	podSpawnCmd.Flags().String("username", "", "SSH username to provision (default: root)")
	podSpawnCmd.Flags().String("password", "", "SSH password to provision (default: generated)")
	podSpawnCmd.Flags().Duration("timeout", discovery.DefaultSpawnTimeout, "How long to wait for the provider's reply")

	podStatusCmd.Flags().String("provider", "", "Provider npub or unique prefix")
	podStatusCmd.Flags().Duration("timeout", discovery.DefaultStatusTimeout, "How long to wait for the provider's reply")
	_ = podStatusCmd.MarkFlagRequired("provider")

	podTopupCmd.Flags().String("provider", "", "Provider npub or unique prefix")
	podTopupCmd.Flags().String("token", "", "Cashu token")
	podTopupCmd.Flags().String("token-file", "", "File containing a Cashu token")
	podTopupCmd.Flags().Duration("timeout", discovery.DefaultTopupTimeout, "How long to wait for the provider's reply")
	_ = podTopupCmd.MarkFlagRequired("provider")
}

// podClient connects with the persistent client identity. The spawning
// key is the lease owner, so it has to survive across invocations for
// topups to work.
func podClient(cmd *cobra.Command, timeouts discovery.Timeouts) (*discovery.Client, func(), error) {
	id, err := clientIdentity(cmd)
	if err != nil {
		return nil, nil, err
	}
	relays, _ := cmd.Flags().GetStringSlice("relay")
	return connectDiscovery(cmd.Context(), id, relays, timeouts)
}

func clientIdentity(cmd *cobra.Command) (*relay.Identity, error) {
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		return relay.IdentityFromKey(key)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate home directory: %w", err)
	}
	path := filepath.Join(home, ".hutch", "identity")

	data, err := os.ReadFile(path)
	if err == nil {
		return relay.IdentityFromKey(strings.TrimSpace(string(data)))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	id, err := relay.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(id.Nsec()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Generated client identity %s (saved to %s)\n", id.Npub(), path)
	return id, nil
}

func tokenFromFlags(cmd *cobra.Command, fallback string) (string, error) {
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		return token, nil
	}
	if file, _ := cmd.Flags().GetString("token-file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return fallback, nil
}
