package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pixoo-fleet/pixoo-daemon/internal/config"
)

// newValidateCommand builds the `pixoo-daemon validate` subcommand
// named in SPEC_FULL.md §4 as a supplemented feature: it loads and
// validates a config document without starting the daemon, so the
// FatalConfigError path (§7) has a dry-run entry point distinct from
// failing on every `serve` invocation.
func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration document without starting the daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			doc, err := config.Load(path)
			if err != nil {
				return fatalConfig(err)
			}
			fmt.Printf("config OK: %d device(s), mqtt broker %s, webui port %d\n",
				len(doc.Devices), doc.MQTT.BrokerURL, doc.WebUI.Port)
			return nil
		},
	}
	return cmd
}
