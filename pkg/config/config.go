// Package config provides configuration loading for the hutch binary.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/cuemby/hutch/pkg/types"
)

// Config holds all configuration for provider and client commands.
type Config struct {
	Identity IdentityConfig `mapstructure:"identity" json:"identity"`
	Provider ProviderConfig `mapstructure:"provider" json:"provider"`
	Backend  BackendConfig  `mapstructure:"backend" json:"backend"`
	Bridge   BridgeConfig   `mapstructure:"bridge" json:"bridge"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// IdentityConfig holds the relay identity and fabric endpoints.
type IdentityConfig struct {
	// PrivateKey is the long-term signing key, hex or nsec encoded.
	// Generated by `hutch provider init` / `hutch keys generate` when
	// absent.
	PrivateKey string   `mapstructure:"private_key" json:"private_key"`
	Relays     []string `mapstructure:"relays" json:"relays" validate:"min=1,dive,startswith=ws"`
}

// ProviderConfig holds the marketplace-facing provider settings.
type ProviderConfig struct {
	Name             string          `mapstructure:"name" json:"name"`
	Location         string          `mapstructure:"location" json:"location"`
	PublicHost       string          `mapstructure:"public_host" json:"public_host"`
	Capabilities     []string        `mapstructure:"capabilities" json:"capabilities"`
	Specs            []types.PodSpec `mapstructure:"specs" json:"specs"`
	WhitelistedMints []string        `mapstructure:"whitelisted_mints" json:"whitelisted_mints"`
	UptimePercent    float64         `mapstructure:"uptime_percent" json:"uptime_percent" validate:"gte=0,lte=100"`

	HeartbeatIntervalSecs  uint64 `mapstructure:"heartbeat_interval_secs" json:"heartbeat_interval_secs" validate:"gt=0"`
	MinimumDurationSeconds uint64 `mapstructure:"minimum_duration_seconds" json:"minimum_duration_seconds" validate:"gt=0"`

	IDRangeStart   int `mapstructure:"id_range_start" json:"id_range_start" validate:"gt=0"`
	IDRangeEnd     int `mapstructure:"id_range_end" json:"id_range_end" validate:"gtefield=IDRangeStart"`
	PortRangeStart int `mapstructure:"port_range_start" json:"port_range_start" validate:"gt=0,lte=65535"`
	PortRangeEnd   int `mapstructure:"port_range_end" json:"port_range_end" validate:"gtefield=PortRangeStart,lte=65535"`

	DataDir string `mapstructure:"data_dir" json:"data_dir"`
}

// BackendConfig selects and configures the workload platform.
type BackendConfig struct {
	Type       string           `mapstructure:"type" json:"type" validate:"oneof=proxmox incus containerd"`
	Proxmox    ProxmoxConfig    `mapstructure:"proxmox" json:"proxmox"`
	Incus      IncusConfig      `mapstructure:"incus" json:"incus"`
	Containerd ContainerdConfig `mapstructure:"containerd" json:"containerd"`
}

// ProxmoxConfig holds the remote REST backend settings.
type ProxmoxConfig struct {
	URL         string `mapstructure:"url" json:"url"`
	TokenID     string `mapstructure:"token_id" json:"token_id"`
	TokenSecret string `mapstructure:"token_secret" json:"token_secret"`
	Node        string `mapstructure:"node" json:"node"`
	Storage     string `mapstructure:"storage" json:"storage"`
	Template    string `mapstructure:"template" json:"template"`
	Bridge      string `mapstructure:"bridge" json:"bridge"`
}

// IncusConfig holds the local CLI backend settings.
type IncusConfig struct {
	// Binary is the CLI to shell out to; "lxc" also works for LXD hosts.
	Binary string `mapstructure:"binary" json:"binary"`
}

// ContainerdConfig holds the experimental app-container backend settings.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" json:"address"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// BridgeConfig holds the optional HTTP bridge settings.
type BridgeConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Listen    string `mapstructure:"listen" json:"listen"`
	PublicURL string `mapstructure:"public_url" json:"public_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json" json:"json"`
}

// Load reads configuration from the given file, or from the conventional
// paths (., $HOME/.hutch, /etc/hutch) when path is empty. Environment
// variables prefixed HUTCH_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hutch"))
		}
		v.AddConfigPath("/etc/hutch")
	}

	// Enable environment variable override
	v.SetEnvPrefix("HUTCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Secrets are the usual env-only values; bind them explicitly
	// (nested keys are not picked up by AutomaticEnv alone).
	v.BindEnv("identity.private_key", "HUTCH_IDENTITY_PRIVATE_KEY")
	v.BindEnv("backend.proxmox.token_secret", "HUTCH_BACKEND_PROXMOX_TOKEN_SECRET")

	// Read config file (optional; defaults and env vars still apply)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Identity defaults
	v.SetDefault("identity.relays", []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
	})

	// Provider defaults
	v.SetDefault("provider.name", "Hutch Provider")
	v.SetDefault("provider.public_host", "127.0.0.1")
	v.SetDefault("provider.capabilities", []string{types.CapabilityContainer})
	v.SetDefault("provider.whitelisted_mints", []string{"https://mint.minibits.cash"})
	v.SetDefault("provider.uptime_percent", 100.0)
	v.SetDefault("provider.heartbeat_interval_secs", 60)
	v.SetDefault("provider.minimum_duration_seconds", 60)
	v.SetDefault("provider.id_range_start", 1000)
	v.SetDefault("provider.id_range_end", 1999)
	v.SetDefault("provider.port_range_start", 30000)
	v.SetDefault("provider.port_range_end", 31000)
	v.SetDefault("provider.data_dir", "/var/lib/hutch")

	// Backend defaults
	v.SetDefault("backend.type", "incus")
	v.SetDefault("backend.proxmox.url", "https://localhost:8006/api2/json")
	v.SetDefault("backend.proxmox.token_id", "root@pam!hutch")
	v.SetDefault("backend.proxmox.node", "pve")
	v.SetDefault("backend.proxmox.storage", "local-lvm")
	v.SetDefault("backend.proxmox.template", "local:vztmpl/ubuntu-22.04-standard.tar.zst")
	v.SetDefault("backend.proxmox.bridge", "vmbr0")
	v.SetDefault("backend.incus.binary", "incus")
	v.SetDefault("backend.containerd.address", "/run/containerd/containerd.sock")
	v.SetDefault("backend.containerd.namespace", "hutch")

	// Bridge defaults
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.listen", ":8420")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Default returns the default configuration, as written by
// `hutch provider init`.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)

	cfg.Provider.Specs = []types.PodSpec{
		{
			ID:              "basic",
			Name:            "Basic",
			Description:     "1 vCPU, 1GB RAM",
			CPUMillicores:   1000,
			MemoryMB:        1024,
			RateMsatsPerSec: 50,
		},
	}
	return &cfg
}

// Validate checks the configuration for a provider run. Validation
// failures at startup are fatal; nothing else is.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Identity.PrivateKey == "" {
		return fmt.Errorf("invalid config: identity.private_key is required (run `hutch keys generate`)")
	}

	if len(c.Provider.Specs) == 0 {
		return fmt.Errorf("invalid config: provider.specs must list at least one tier")
	}
	seen := make(map[string]bool)
	for _, spec := range c.Provider.Specs {
		if spec.ID == "" {
			return fmt.Errorf("invalid config: tier with empty id")
		}
		if seen[spec.ID] {
			return fmt.Errorf("invalid config: duplicate tier id %q", spec.ID)
		}
		seen[spec.ID] = true
		if spec.RateMsatsPerSec == 0 {
			return fmt.Errorf("invalid config: tier %q has zero rate", spec.ID)
		}
	}

	if len(c.Provider.WhitelistedMints) == 0 {
		return fmt.Errorf("invalid config: provider.whitelisted_mints must list at least one mint")
	}

	return nil
}

// Save writes the configuration as indented JSON, the same casing the
// wire payloads use.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file holds the identity key and mint credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
