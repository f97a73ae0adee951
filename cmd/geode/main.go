// Geode - packet interception extension runtime.
//
// Geode attaches to a host proxy that sits between a game client and its
// server, decodes every relayed packet against a message table, runs
// registered intercept handlers, and exposes the live session through a
// local API, a console and optional MQTT, NATS and Redis outputs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	AppName    = "Geode"
	AppVersion = "1.0.0"
	Banner     = `
   ____                _
  / ___| ___  ___   __| | ___
 | |  _ / _ \/ _ \ / _' |/ _ \
 | |_| |  __/ (_) | (_| |  __/
  \____|\___|\___/ \__,_|\___|  v%s
 Packet Interception Extension Runtime
`
)

var rootCmd = &cobra.Command{
	Use:           "geode",
	Short:         "Packet interception extension runtime",
	Long:          "Geode connects to a host proxy, intercepts game packets and exposes the session through an API and console.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runOpts)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
