// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jeremyhahn/go-mpckit/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// cli holds the flag state of one command tree.
type cli struct {
	cfgFile string
	verbose bool
	v       *viper.Viper
}

// binding ties a flag to the viper key and config field it overrides.
type binding struct {
	flag  string
	key   string
	apply func(cfg *config.Config, v *viper.Viper, key string)
}

var bindings = []binding{
	{"log-level", "logging.level", func(c *config.Config, v *viper.Viper, k string) { c.Logging.Level = v.GetString(k) }},
	{"log-format", "logging.format", func(c *config.Config, v *viper.Viper, k string) { c.Logging.Format = v.GetString(k) }},
	{"key-type", "engine.key_type", func(c *config.Config, v *viper.Viper, k string) { c.Engine.KeyType = v.GetString(k) }},
	{"address", "server.address", func(c *config.Config, v *viper.Viper, k string) { c.Server.Address = v.GetString(k) }},
	{"metadata-url", "metadata.url", func(c *config.Config, v *viper.Viper, k string) { c.Metadata.URL = v.GetString(k) }},
	{"session-url", "session.url", func(c *config.Config, v *viper.Viper, k string) { c.Session.URL = v.GetString(k) }},
	{"rate-limit", "server.ratelimit.enabled", func(c *config.Config, v *viper.Viper, k string) {
		c.Server.RateLimit.Enabled = v.GetBool(k)
	}},
}

// bindFlags binds every flag of cmd that has a binding.
func (c *cli) bindFlags(cmd *cobra.Command) {
	for _, b := range bindings {
		f := cmd.Flags().Lookup(b.flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(b.flag)
		}
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(b.key, f); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", b.flag, err))
		}
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mpckit", "config.yaml")
	}
	return filepath.Join(home, ".mpckit", "config.yaml")
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "mpckit",
		Short: "MPC threshold key management toolkit",
		Long: `mpckit manages threshold keys split between signing nodes and
user-held factors.

Use 'mpckit serve' to run the development metadata and session backend.
Use 'mpckit demo' to run an end-to-end login, factor and signing flow.
Use 'mpckit config init' to write a configuration file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initViper(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default: $HOME/.mpckit/config.yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (text, json)")
	c.bindFlags(root)

	root.AddCommand(
		c.newVersionCmd(),
		c.newServeCmd(),
		c.newDemoCmd(),
		c.newConfigCmd(),
	)
	return root
}

func (c *cli) initViper(cmd *cobra.Command) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		c.v.AddConfigPath(filepath.Dir(defaultConfigPath()))
		c.v.AddConfigPath(".")
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	} else if c.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "Using config file: %s\n", c.v.ConfigFileUsed())
	}
	c.v.SetEnvPrefix("MPCKIT")
	c.v.AutomaticEnv()
	return nil
}

// load reads the config file through internal/config and applies flags
// the user set explicitly.
func (c *cli) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if f := cmd.Flag(b.flag); f != nil && f.Changed {
			b.apply(cfg, c.v, b.key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mpckit version %s\n", Version)
			fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
