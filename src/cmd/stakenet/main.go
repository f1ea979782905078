package main

import (
	"os"

	cmd "github.com/mosaicnetworks/stakenet/src/cmd/stakenet/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.VersionCmd,
		cmd.NewKeygenCmd(),
		cmd.NewRunCmd(),
		cmd.NewQueryCmd(),
		cmd.NewLedgerCmd(),
		cmd.NewAPIKeyCmd(),
	)

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
