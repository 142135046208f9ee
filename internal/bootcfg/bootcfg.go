// Package bootcfg resolves cmd/kerneld's boot configuration from flags,
// environment, and an optional config file, the way gcsfuse's cmd/root.go
// binds a pflag.FlagSet into viper and unmarshals into a typed struct.
package bootcfg

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// InterfaceConfig describes one network interface to bring up at boot
// (spec.md §6 "Network device contract").
type InterfaceConfig struct {
	Name    string `mapstructure:"name"`
	Addr    string `mapstructure:"addr"`
	Netmask string `mapstructure:"netmask"`
	MTU     int    `mapstructure:"mtu"`
}

// RouteConfig describes one static route to install at boot (spec.md §4.7
// "Routing").
type RouteConfig struct {
	Dest      string `mapstructure:"dest"`
	Netmask   string `mapstructure:"netmask"`
	Gateway   string `mapstructure:"gateway"`
	Interface string `mapstructure:"interface"`
}

// Config is the kernel's full boot configuration.
type Config struct {
	NumCPU        int               `mapstructure:"num_cpu"`
	MemoryFrames  int               `mapstructure:"memory_frames"`
	RootDevice    string            `mapstructure:"root_device"`
	RootFSType    string            `mapstructure:"root_fs_type"`
	RootFSBlocks  uint32            `mapstructure:"root_fs_blocks"`
	Interfaces    []InterfaceConfig `mapstructure:"interfaces"`
	Routes        []RouteConfig     `mapstructure:"routes"`
	MetricsAddr   string            `mapstructure:"metrics_addr"`
	LogLevel      string            `mapstructure:"log_level"`
	ConfigFile    string            `mapstructure:"-"`
}

// Defaults returns the configuration used when no flag, environment
// variable, or config file overrides a field.
func Defaults() Config {
	return Config{
		NumCPU:       1,
		MemoryFrames: 1 << 16, // 256 MiB of simulated physical memory at 4 KiB frames
		RootFSType:   "ext2",
		RootFSBlocks: 1 << 16,
		MetricsAddr:  ":9100",
		LogLevel:     "info",
	}
}

// BindFlags registers the flag set cmd/kerneld's root command exposes,
// mirroring gcsfuse's cmd/root.go: flags are bound into viper so that
// (in priority order) explicit flags, then KERNELD_-prefixed environment
// variables, then the config file, then Defaults() all resolve into one
// Config.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()
	flags.Int("num-cpu", d.NumCPU, "number of simulated CPUs to schedule across")
	flags.Int("memory-frames", d.MemoryFrames, "number of 4 KiB physical page frames to simulate")
	flags.String("root-device", "", "block device backing the root filesystem")
	flags.String("root-fs-type", d.RootFSType, "root filesystem type (ext2 or fat16)")
	flags.Uint32("root-fs-blocks", d.RootFSBlocks, "block count to format the root device with when it is freshly created")
	flags.String("metrics-addr", d.MetricsAddr, "address to serve /metrics on")
	flags.String("log-level", d.LogLevel, "log verbosity (debug, info, warn, error)")
	flags.String("config", "", "path to a YAML boot configuration file")

	v.BindPFlag("num_cpu", flags.Lookup("num-cpu"))
	v.BindPFlag("memory_frames", flags.Lookup("memory-frames"))
	v.BindPFlag("root_device", flags.Lookup("root-device"))
	v.BindPFlag("root_fs_type", flags.Lookup("root-fs-type"))
	v.BindPFlag("root_fs_blocks", flags.Lookup("root-fs-blocks"))
	v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))

	v.SetEnvPrefix("kerneld")
	v.AutomaticEnv()
}

// Load resolves the final Config from v's bound flags/environment plus an
// optional config file (read when --config names one).
func Load(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("bootcfg: reading config file %q: %w", cfgFile, err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: unmarshaling config: %w", err)
	}
	cfg.ConfigFile = cfgFile
	return cfg, nil
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.NumCPU < 1 {
		return fmt.Errorf("bootcfg: num_cpu must be at least 1, got %d", c.NumCPU)
	}
	if c.MemoryFrames < 1 {
		return fmt.Errorf("bootcfg: memory_frames must be at least 1, got %d", c.MemoryFrames)
	}
	if c.RootFSType != "ext2" && c.RootFSType != "fat16" {
		return fmt.Errorf("bootcfg: unsupported root_fs_type %q", c.RootFSType)
	}
	for _, r := range c.Routes {
		found := false
		for _, iface := range c.Interfaces {
			if iface.Name == r.Interface {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("bootcfg: route references unknown interface %q", r.Interface)
		}
	}
	return nil
}
