package commands

import (
	"github.com/spf13/cobra"

	"github.com/sqzxcv/leaf/internal/coreerrors"
	"github.com/sqzxcv/leaf/internal/runtimemgr"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Cancel all tasks belonging to an instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !runtimemgr.Shutdown(instanceID) {
			exitWithCode(coreerrors.CodeRuntimeManager)
			return nil
		}
		exitWithCode(coreerrors.OK)
		return nil
	},
}
