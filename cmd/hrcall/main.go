// Command hrcall runs the AI calling agent that phones HR contacts about open
// roles, and provides helpers to place calls and browse stored ones.
//
// # Basic Usage
//
// Start the server:
//
//	hrcall serve --config hrcall.yaml
//
// Place an outbound call through Twilio:
//
//	hrcall dial --to +15551234567
//
// Browse stored calls:
//
//	hrcall calls list --limit 20
//	hrcall calls show call_...
//	hrcall calls stats
//
// # Environment Variables
//
// Every config key can be overridden with an HRCALL_ variable, dots replaced
// by underscores (HRCALL_SERVER_ADDR, HRCALL_TWILIO_AUTH_TOKEN). HRCALL_CONFIG
// names the config file when --config is not given.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/harunnryd/hrcall/pkg/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "hrcall",
		Short:         "AI voice agent that calls HR representatives about job openings",
		Version:       runner.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default $HRCALL_CONFIG)")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildDialCmd(&configPath),
		buildCallsCmd(&configPath),
		buildVADCmd(&configPath),
	)
	return root
}
