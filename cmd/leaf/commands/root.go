// Package commands implements the leaf CLI's subcommands: thin cobra
// wrappers around internal/runtimemgr's run/reload/shutdown/test-config
// host API (spec §6).
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqzxcv/leaf/internal/coreerrors"
)

var (
	// Version is injected at build time.
	Version = "dev"

	// instanceID is the shared --instance flag every subcommand but
	// test-config takes.
	instanceID uint16
)

var rootCmd = &cobra.Command{
	Use:           "leaf",
	Short:         "leaf - rule-based network proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command. Called once by
// main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().Uint16Var(&instanceID, "instance", 0, "instance id")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(testConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Version)
		return nil
	},
}

// exitWithCode reports code the way the spec §6 host API does and exits
// the process with its numeric value, OK (0) included.
func exitWithCode(code coreerrors.Code) {
	if code != coreerrors.OK {
		fmt.Fprintln(os.Stderr, code)
	}
	os.Exit(int(code))
}
