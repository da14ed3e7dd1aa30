package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/log"
)

// Build metadata, stamped by the release ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - rent and sell compute on a relay marketplace",
	Long: `Hutch is a decentralized compute marketplace. Providers lease out
time-bounded pods (containers or VMs) and advertise them over public
relays; clients discover providers, pay per second with Cashu ecash,
and receive SSH access details over encrypted direct messages.

No accounts, no central broker: a keypair is the only identity.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Client commands log quietly to stderr so stdout stays
		// parseable. `provider run` re-initializes from its config.
		level := log.WarnLevel
		if verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, Output: os.Stderr})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(marketCmd)
	rootCmd.AddCommand(podCmd)
	rootCmd.AddCommand(keysCmd)
}
