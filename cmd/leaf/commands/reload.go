package commands

import (
	"github.com/spf13/cobra"

	"github.com/sqzxcv/leaf/internal/runtimemgr"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload an instance from the file it was started with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exitWithCode(runtimemgr.Reload(instanceID))
		return nil
	},
}
