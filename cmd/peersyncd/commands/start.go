package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hashforge/peersync/node"
)

// StartCmd runs the node until interrupted.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the peersync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := node.New(logger, cfg)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("caught signal; shutting down", "signal", sig.String())

		return n.Stop()
	},
}
