// Command leaf is the CLI entrypoint over internal/runtimemgr's spec §6
// host API: run, reload, shutdown, test-config.
package main

import (
	"fmt"
	"os"

	"github.com/sqzxcv/leaf/cmd/leaf/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
