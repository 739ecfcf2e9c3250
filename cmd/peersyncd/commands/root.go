package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hashforge/peersync/config"
	"github.com/hashforge/peersync/libs/log"
)

var (
	cfg    = config.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
)

func init() {
	RootCmd.PersistentFlags().String("home", defaultHome(), "directory for config and data")
	RootCmd.PersistentFlags().String("log_level", cfg.LogLevel, "log level (debug | info | error)")
	RootCmd.PersistentFlags().String("log_format", cfg.LogFormat, "log format (plain | json)")

	RootCmd.AddCommand(InitCmd, StartCmd, VersionCmd)
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.DefaultPeersyncDir
	}
	return filepath.Join(home, config.DefaultPeersyncDir)
}

// RootCmd is the root command for peersyncd.
var RootCmd = &cobra.Command{
	Use:   "peersyncd",
	Short: "Bitcoin-style peer synchronization daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = parseConfig(cmd)
		if err != nil {
			return err
		}

		logger, err = log.NewDefaultLogger(cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

// parseConfig loads the config file (when present) on top of the defaults
// and binds the command line flags over it.
func parseConfig(cmd *cobra.Command) (*config.Config, error) {
	conf := config.DefaultConfig()

	home, err := cmd.Flags().GetString("home")
	if err != nil {
		return nil, err
	}
	conf.SetRoot(home)

	v := viper.New()
	v.SetEnvPrefix("PEERSYNC")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	v.SetConfigName("config")
	v.AddConfigPath(filepath.Join(home, "config"))
	if err := v.ReadInConfig(); err != nil {
		// a missing config file is fine; flags and defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(home)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}
