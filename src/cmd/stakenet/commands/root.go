package commands

import (
	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for stakenet
var RootCmd = &cobra.Command{
	Use:              "stakenet",
	Short:            "stake-gated subnet node",
	TraverseChildren: true,
}
