package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/cache"
	"github.com/chaz8081/trumoto/internal/config"
	"github.com/chaz8081/trumoto/internal/log"
)

var errNoDevices = errors.New("no TruMoto controllers found")

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configPath string
	logFlags   *log.Options
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	o := &rootOptions{logFlags: log.NewOptions()}

	cmd := &cobra.Command{
		Use:           "trumoto",
		Short:         "Monitor and tune a TruMoto motorcycle controller over BLE",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.complete(cmd)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&o.configPath, "config", "", "path to config file (default: ~/.config/trumoto/config.yaml)")
	o.logFlags.AddFlags(fs)

	cmd.AddCommand(
		newScanCommand(o),
		newMonitorCommand(o),
		newApplyCommand(o),
		newProfilesCommand(o),
		newInitCommand(o),
	)
	return cmd
}

// complete loads the config, applies log flag overrides and initializes
// the global logger.
func (o *rootOptions) complete(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log.level") {
		cfg.Log.Level = o.logFlags.Level
	}
	if flags.Changed("log.format") {
		cfg.Log.Format = o.logFlags.Format
	}
	if flags.Changed("log.enable-color") {
		cfg.Log.EnableColor = o.logFlags.EnableColor
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	o.cfg = cfg
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// newManager builds a connection manager on the system radio, backed by
// the telemetry cache.
func (o *rootOptions) newManager() *ble.Manager {
	opts := ble.DefaultManagerOptions()
	opts.MaxReconnectAttempts = o.cfg.Reconnect.MaxAttempts
	opts.ReconnectStep = o.cfg.Reconnect.Step
	opts.ConnectTimeout = o.cfg.Reconnect.ConnectTimeout
	opts.Store = cache.New(o.cfg.CacheDir)
	opts.Logger = log.Std().WithName("ble")
	return ble.NewManager(ble.NewSystemAdapter(), opts)
}

func (o *rootOptions) filter() ble.Filter {
	return ble.Filter{
		ServiceUUID:  ble.ServiceUUID,
		NameContains: o.cfg.Device.NameContains,
		Timeout:      o.cfg.Device.ScanTimeout,
	}
}

// resolveDevice picks the controller to connect to: the explicit address,
// then the configured one, then the first controller a scan finds.
func (o *rootOptions) resolveDevice(ctx context.Context, m *ble.Manager, address string) (ble.Device, error) {
	if address == "" {
		address = o.cfg.Device.Address
	}
	if address != "" {
		return ble.Device{Address: address}, nil
	}

	fmt.Println("Scanning for TruMoto controllers...")
	devices, err := m.Scan(ctx, o.filter())
	if err != nil {
		return ble.Device{}, err
	}
	if len(devices) == 0 {
		return ble.Device{}, errNoDevices
	}
	return devices[0], nil
}
