package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hashforge/peersync/config"
)

// InitCmd creates the home directory and writes a default config file.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the home directory with a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.EnsureRoot(cfg.RootDir)

		configFilePath := cfg.ConfigFilePath()
		if _, err := os.Stat(configFilePath); err == nil {
			logger.Info("found existing config file", "path", configFilePath)
			return nil
		}

		if err := config.WriteConfigFile(configFilePath, cfg); err != nil {
			return err
		}
		logger.Info("generated config file", "path", configFilePath)
		return nil
	},
}
