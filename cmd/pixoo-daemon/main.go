// Command pixoo-daemon is the composition root (§4.10/§6): it wires
// the Capabilities table, Device Registry, State Store, Scene
// Registry, per-device Scheduler, Command Router, Watchdog, and
// Observability Publisher into a runnable process, following the
// teacher's pattern of a small cobra.Command built by a dedicated
// constructor per subcommand (pkg/checkendpoints/cmd.go,
// pkg/operator/staticpod/prune/cmd.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// buildVersion, buildNumber, and gitCommit are overridable at link
// time (-ldflags "-X main.buildVersion=..."), mirroring the teacher's
// version.Info plumbing through NewControllerCommandConfig.
var (
	buildVersion = "dev"
	buildNumber  = "0"
	gitCommit    = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pixoo-daemon",
		Short: "Drives a fleet of pixel-matrix displays from a single host.",
	}
	cmd.PersistentFlags().String("config", "/etc/pixoo-daemon/config.yaml", "path to the configuration document")
	cmd.PersistentFlags().String("log-level", "", "override the configured log level (trace|debug|info|warn|error)")
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newValidateCommand())
	return cmd
}

// exitCode is a typed sentinel error carrying the process exit code
// conventions from spec.md §6: 0 clean shutdown, 1 config/validation
// error, 2 fatal runtime.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

func fatalConfig(err error) error { return &exitCode{code: 1, err: err} }
func fatalRuntime(err error) error { return &exitCode{code: 2, err: err} }

func exitCodeFor(err error) int {
	var ec *exitCode
	if e, ok := err.(*exitCode); ok {
		ec = e
	}
	if ec == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(os.Stderr, ec.err)
	return ec.code
}
