package main

import (
	"os"

	"github.com/hashforge/peersync/cmd/peersyncd/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
