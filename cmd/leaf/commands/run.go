package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqzxcv/leaf/internal/runtimemgr"
)

var runCmd = &cobra.Command{
	Use:   "run <config-path>",
	Short: "Start a proxy instance and block until it shuts down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := args[0]

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			fmt.Fprintln(os.Stderr, "leaf: shutdown signal received")
			runtimemgr.Shutdown(instanceID)
		}()

		code := runtimemgr.Run(instanceID, configPath, runtimemgr.Options{})
		exitWithCode(code)
		return nil
	},
}
