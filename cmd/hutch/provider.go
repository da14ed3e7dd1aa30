package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/backend"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/payments"
	"github.com/cuemby/hutch/pkg/provider"
	"github.com/cuemby/hutch/pkg/relay"
	"github.com/cuemby/hutch/pkg/storage"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Run and inspect a compute provider",
}

var providerInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default provider configuration",
	Long: `Write a default provider configuration with a freshly generated
identity key. Edit the file afterwards to set your backend, public
host, pricing tiers, and whitelisted mints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		id, err := relay.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("failed to generate identity: %w", err)
		}
		cfg.Identity.PrivateKey = id.Nsec()

		if err := cfg.Save(path); err != nil {
			return err
		}

		fmt.Printf("✓ Wrote %s\n", path)
		fmt.Println()
		fmt.Printf("  Provider NPUB: %s\n", id.Npub())
		fmt.Printf("  Backend:       %s\n", cfg.Backend.Type)
		fmt.Printf("  Relays:        %s\n", strings.Join(cfg.Identity.Relays, ", "))
		fmt.Println()
		fmt.Println("Review the pricing tiers and whitelisted mints before running.")
		return nil
	},
}

var providerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the provider engine",
	Long: `Run the provider engine: publish the offer, emit heartbeats, listen
for spawn/topup/status requests over encrypted direct messages, and
reclaim expired leases. Runs until interrupted.`,
	RunE: runProvider,
}

var providerOfferCmd = &cobra.Command{
	Use:   "offer",
	Short: "Print the offer this configuration advertises",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProviderConfig(cmd)
		if err != nil {
			return err
		}
		id, err := relay.IdentityFromKey(cfg.Identity.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}

		offer := provider.BuildOffer(cfg, id.Npub(), 0)
		out, err := json.MarshalIndent(offer, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	providerCmd.AddCommand(providerInitCmd)
	providerCmd.AddCommand(providerRunCmd)
	providerCmd.AddCommand(providerOfferCmd)

	providerCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ./config.json, ~/.hutch, /etc/hutch)")

	providerInitCmd.Flags().StringP("output", "o", "config.json", "Where to write the configuration")
	providerInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func loadProviderConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runProvider(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadProviderConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	identity, err := relay.IdentityFromKey(cfg.Identity.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	fmt.Println("Starting hutch provider...")
	fmt.Printf("  NPUB:    %s\n", identity.Npub())
	fmt.Printf("  Backend: %s\n", cfg.Backend.Type)
	fmt.Printf("  Relays:  %s\n", strings.Join(cfg.Identity.Relays, ", "))
	fmt.Println()

	if err := os.MkdirAll(cfg.Provider.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.Provider.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	be, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	walletDir := filepath.Join(cfg.Provider.DataDir, "wallet")
	if err := os.MkdirAll(walletDir, 0o700); err != nil {
		return fmt.Errorf("failed to create wallet dir: %w", err)
	}
	mints := cfg.Provider.WhitelistedMints
	wallet, err := payments.NewMintWallet(walletDir, payments.NormalizeMintURL(mints[0]))
	if err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}
	decoder := payments.NewDecoder(payments.NewNoteParser(), wallet, store, mints)

	fabric := relay.NewClient(identity, cfg.Identity.Relays)
	if err := fabric.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to relays: %w", err)
	}
	defer fabric.Close()
	fmt.Println("✓ Connected to relay fabric")

	engine, err := provider.New(provider.Options{
		Config:   cfg,
		Identity: identity,
		Fabric:   fabric,
		Backend:  be,
		Store:    store,
		Decoder:  decoder,
		Broker:   events.NewBroker(),
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("relay", true, "connected")
	metrics.RegisterComponent("backend", true, cfg.Backend.Type)
	metrics.RegisterComponent("store", true, cfg.Provider.DataDir)

	var g run.Group
	{
		// Shutdown actor: NotifyContext in main turns SIGINT/SIGTERM
		// into ctx cancellation.
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}
	{
		engineCtx, engineCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return engine.Run(engineCtx)
		}, func(error) {
			engineCancel()
		})
	}
	if cfg.Bridge.Enabled {
		srv := api.NewServer(api.Options{
			Listen:     cfg.Bridge.Listen,
			Dispatcher: engine.Dispatcher(),
			Offers:     engine,
		})
		g.Add(func() error {
			return srv.Start()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger := log.WithComponent("api")
				logger.Error().Err(err).Msg("Bridge shutdown failed")
			}
		})
		fmt.Printf("✓ HTTP bridge listening on %s\n", cfg.Bridge.Listen)
	}

	fmt.Println()
	fmt.Println("Provider is running. Press Ctrl+C to stop.")

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func buildBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "proxmox":
		p := cfg.Backend.Proxmox
		return backend.NewProxmox(backend.ProxmoxOptions{
			URL:         p.URL,
			TokenID:     p.TokenID,
			TokenSecret: p.TokenSecret,
			Node:        p.Node,
			Storage:     p.Storage,
			Template:    p.Template,
			Bridge:      p.Bridge,
		}), nil
	case "incus":
		return backend.NewIncus(backend.IncusOptions{
			Binary: cfg.Backend.Incus.Binary,
		}), nil
	case "containerd":
		c := cfg.Backend.Containerd
		return backend.NewContainerd(backend.ContainerdOptions{
			Address:   c.Address,
			Namespace: c.Namespace,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}
