package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shelfstream",
	Short: "Shelfstream is an audiobook client core: uploads, playback and a verified local cache.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
