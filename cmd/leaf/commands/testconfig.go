package commands

import (
	"github.com/spf13/cobra"

	"github.com/sqzxcv/leaf/internal/runtimemgr"
)

var testConfigCmd = &cobra.Command{
	Use:   "test-config <config-path>",
	Short: "Parse and validate a config file without starting anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exitWithCode(runtimemgr.TestConfig(args[0]))
		return nil
	},
}
