package commands

import (
	"github.com/braidnetworks/braid/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for Braid
var RootCmd = &cobra.Command{
	Use:              "braid",
	Short:            "braid p2p networking",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		VersionCmd,
	)
}
