package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/discovery"
	"github.com/cuemby/hutch/pkg/relay"
)

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Browse the provider marketplace",
}

var marketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers advertising on the relays",
	Long: `List providers advertising on the relays.

Examples:
  # Everything currently advertised
  hutch market list

  # Online VM hosts with at least 4GB tiers, cheapest first
  hutch market list --capability vm --min-memory 4096 --online-only --sort price`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sortKey, _ := cmd.Flags().GetString("sort")
		switch sortKey {
		case discovery.SortPrice, discovery.SortUptime, discovery.SortCapacity, discovery.SortJobs:
		default:
			return fmt.Errorf("unknown sort key %q (price, uptime, capacity, jobs)", sortKey)
		}

		capability, _ := cmd.Flags().GetString("capability")
		minUptime, _ := cmd.Flags().GetFloat64("min-uptime")
		minMemory, _ := cmd.Flags().GetUint32("min-memory")
		minCPU, _ := cmd.Flags().GetUint32("min-cpu")
		onlineOnly, _ := cmd.Flags().GetBool("online-only")

		client, done, err := marketClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		providers, err := client.ListProviders(cmd.Context(), discovery.Filter{
			Capability:       capability,
			MinUptime:        minUptime,
			MinMemoryMB:      minMemory,
			MinCPUMillicores: minCPU,
			OnlineOnly:       onlineOnly,
		})
		if err != nil {
			return err
		}
		discovery.SortProviders(providers, sortKey)

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(providers)
		}
		if len(providers) == 0 {
			fmt.Println("No providers found.")
			return nil
		}
		fmt.Println(discovery.FormatTable(providers))
		return nil
	},
}

var marketShowCmd = &cobra.Command{
	Use:   "show PROVIDER",
	Short: "Show one provider's tiers, mints, and live capacity",
	Long: `Show one provider's tiers, mints, and live capacity.

PROVIDER is an npub, a hex public key, or a unique npub prefix of at
least 8 characters.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, done, err := marketClient(cmd)
		if err != nil {
			return err
		}
		defer done()

		p, err := client.Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(p)
		}
		fmt.Println(discovery.FormatDetails(*p))
		return nil
	},
}

func init() {
	marketCmd.AddCommand(marketListCmd)
	marketCmd.AddCommand(marketShowCmd)

	marketCmd.PersistentFlags().StringSlice("relay", config.Default().Identity.Relays, "Relay URLs to query")
	marketCmd.PersistentFlags().Bool("json", false, "Print JSON instead of a table")

	marketListCmd.Flags().String("capability", "", "Require a capability (container, vm)")
	marketListCmd.Flags().Float64("min-uptime", 0, "Minimum advertised uptime percent")
	marketListCmd.Flags().Uint32("min-memory", 0, "Minimum tier memory in MB")
	marketListCmd.Flags().Uint32("min-cpu", 0, "Minimum tier CPU in millicores")
	marketListCmd.Flags().String("sort", discovery.SortPrice, "Sort order: price, uptime, capacity, jobs")
	marketListCmd.Flags().Bool("online-only", false, "Hide providers without a recent heartbeat")
}

// marketClient connects with a throwaway identity. Discovery only reads
// public events, so there is nothing worth keeping a key for.
func marketClient(cmd *cobra.Command) (*discovery.Client, func(), error) {
	id, err := relay.GenerateIdentity()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	relays, _ := cmd.Flags().GetStringSlice("relay")
	return connectDiscovery(cmd.Context(), id, relays, discovery.Timeouts{})
}

func connectDiscovery(ctx context.Context, id *relay.Identity, relays []string, timeouts discovery.Timeouts) (*discovery.Client, func(), error) {
	rc := relay.NewClient(id, relays)
	if err := rc.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to relays: %w", err)
	}
	return discovery.NewClient(rc, timeouts), rc.Close, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
