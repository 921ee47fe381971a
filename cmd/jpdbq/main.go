// Command jpdbq talks to jpdb.io through a single paced request queue.
//
// Subcommands:
//
//	ping                             check the API token
//	parse <text>                     segment text into tokens and vocabulary
//	decks                            list the user's decks
//	deck add|remove <deck> <vid:sid>...
//	sentence <vid> <sid> <text>      set a card's custom sentence
//	review <vid> <sid> <grade>       submit a review grade
//	history                          show recent jobs
//	daemon                           run configured schedules until stopped
package main

import (
	"os"
	_ "time/tzdata" // schedules may name a zone the host lacks

	"github.com/spf13/cobra"

	logx "jpdbq/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logx.NewConsole("INFO").Error("command failed", logx.Err(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "jpdbq",
		Short:         "Paced jpdb.io API client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jpdbq.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		pingCmd(&cfgPath),
		parseCmd(&cfgPath),
		decksCmd(&cfgPath),
		deckCmd(&cfgPath),
		sentenceCmd(&cfgPath),
		reviewCmd(&cfgPath),
		historyCmd(&cfgPath),
		daemonCmd(&cfgPath),
	)
	return root
}
