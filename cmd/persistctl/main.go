// Command persistctl administers a persistcore deployment: it prepares the
// row table, lists journal events, runs a save/find/delete smoke test
// against the configured executor and follows the journal for remote commits.
package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		exitFunc(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "persistctl",
		Short:         "Administer a persistcore deployment",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PERSISTCORE_CONFIG"), "path to a TOML configuration file")

	root.AddCommand(newMigrateCommand(opts, stdout))
	root.AddCommand(newJournalCommand(opts, stdout))
	root.AddCommand(newSmokeCommand(opts, stdout))
	root.AddCommand(newWatchCommand(opts, stdout))
	return root
}
